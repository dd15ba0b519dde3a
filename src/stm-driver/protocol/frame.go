package protocol

// LineFrame is one raster row received from the rig. Samples are in
// acquisition order; Dir tells the consumer whether the sweep ran backwards.
type LineFrame struct {
	Samples []float64
	Idx     int
	Dir     int
}

// PointFrame is an unindexed burst of height samples used for idle stability
// monitoring.
type PointFrame struct {
	Samples []float64
}

// StatusFrame carries an OK or ERR header that has no payload.
type StatusFrame struct {
	Ok  bool
	Raw string
}
