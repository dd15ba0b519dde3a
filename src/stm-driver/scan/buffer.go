package scan

import "math"

// Topography is the host-side N×N height grid. Rows arrive wholesale from
// line frames; cells hold NaN until their row has been scanned. Owned
// exclusively by the controller goroutine.
type Topography struct {
	n     int
	cells [][]float64
}

func NewTopography(n int) *Topography {
	t := &Topography{n: n, cells: make([][]float64, n)}
	for i := range t.cells {
		row := make([]float64, n)
		for j := range row {
			row[j] = math.NaN()
		}
		t.cells[i] = row
	}
	return t
}

func (t *Topography) N() int {
	return t.n
}

// SetRow overwrites row idx. Samples arrive in acquisition order: they are
// reversed when the sweep ran backwards (dir<0) to restore spatial order, and
// resampled to the row width when the payload was truncated. Out-of-range
// rows are ignored.
func (t *Topography) SetRow(idx int, samples []float64, dir int) {
	if idx < 0 || idx >= t.n {
		return
	}

	row := Resample(samples, t.n)
	if dir < 0 {
		reverse(row)
	}
	copy(t.cells[idx], row)
}

// Row returns a copy of row idx, or nil when out of range.
func (t *Topography) Row(idx int) []float64 {
	if idx < 0 || idx >= t.n {
		return nil
	}
	return append([]float64(nil), t.cells[idx]...)
}

// Resample maps samples onto n points by linear interpolation. Length
// mismatches come from truncated payloads and are rendered rather than
// discarded.
func Resample(samples []float64, n int) []float64 {
	out := make([]float64, n)

	switch {
	case len(samples) == 0:
		for i := range out {
			out[i] = math.NaN()
		}
	case len(samples) == 1:
		for i := range out {
			out[i] = samples[0]
		}
	case len(samples) == n:
		copy(out, samples)
	default:
		scale := float64(len(samples)-1) / float64(n-1)
		for i := range out {
			pos := float64(i) * scale
			lo := int(pos)
			if lo >= len(samples)-1 {
				out[i] = samples[len(samples)-1]
				continue
			}
			frac := pos - float64(lo)
			out[i] = samples[lo]*(1-frac) + samples[lo+1]*frac
		}
	}
	return out
}

func reverse(v []float64) {
	for i, j := 0, len(v)-1; i < j; i, j = i+1, j-1 {
		v[i], v[j] = v[j], v[i]
	}
}

// RollingBuffer is a bounded FIFO of height samples; the oldest samples are
// evicted on overflow. Feeds the time-series / stability display.
type RollingBuffer struct {
	capacity int
	data     []float64
}

func NewRollingBuffer(capacity int) *RollingBuffer {
	return &RollingBuffer{capacity: capacity}
}

func (b *RollingBuffer) Append(samples []float64) {
	b.data = append(b.data, samples...)
	if overflow := len(b.data) - b.capacity; overflow > 0 {
		b.data = append(b.data[:0], b.data[overflow:]...)
	}
}

func (b *RollingBuffer) Reset() {
	b.data = b.data[:0]
}

func (b *RollingBuffer) Len() int {
	return len(b.data)
}

// Last returns a copy of the newest k samples (fewer when the buffer holds
// less).
func (b *RollingBuffer) Last(k int) []float64 {
	if k > len(b.data) {
		k = len(b.data)
	}
	return append([]float64(nil), b.data[len(b.data)-k:]...)
}

// Std is the standard deviation over the whole buffer, the Z-stability
// figure shown to the operator. Zero for an empty buffer.
func (b *RollingBuffer) Std() float64 {
	if len(b.data) == 0 {
		return 0
	}
	var mean float64
	for _, v := range b.data {
		mean += v
	}
	mean /= float64(len(b.data))

	var acc float64
	for _, v := range b.data {
		d := v - mean
		acc += d * d
	}
	return math.Sqrt(acc / float64(len(b.data)))
}
