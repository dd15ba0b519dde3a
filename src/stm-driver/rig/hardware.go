package rig

// Hardware abstracts the rig's DAC and ADC. The dispatcher only positions
// actuators and samples the tip height; the bit-level chip protocol lives
// behind this interface.
type Hardware interface {
	// SetDAC writes a 16-bit code to one DAC channel.
	SetDAC(channel int, code uint16) error
	// ReadADC samples the tip-height ADC once.
	ReadADC() (uint16, error)
}

// DAC channel assignment.
const (
	ChannelX     = 0
	ChannelY     = 1
	ChannelSpare = 2
	ChannelBias  = 3
)

const dacMidScale = 32767

// LinCode maps a pixel index in [0,N) linearly onto the 16-bit DAC code
// range, clamped to [0,65535]. A degenerate frame size maps everything to 0.
func LinCode(pos, n int) uint16 {
	if n <= 1 {
		return 0
	}
	code := (pos * 65535) / (n - 1)
	if code < 0 {
		return 0
	}
	if code > 65535 {
		return 65535
	}
	return uint16(code)
}

// heightFromADC converts a raw 16-bit ADC code to a height reading centered
// around zero, roughly +/- 8 units full range.
func heightFromADC(code uint16) float64 {
	return (float64(code) - 32768.0) / 4096.0
}
