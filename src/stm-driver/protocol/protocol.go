// Package protocol implements the line-oriented text protocol spoken between
// the driver and an STM rig.
//
// Every transmission unit is one newline-terminated ASCII line. Commands have
// the form `VERB KEY=VALUE ...`. Replies consist of a header line, followed by
// exactly one CSV payload line for the LINE OK and POINT OK headers and no
// payload otherwise.
//
// Row order convention: a LINE payload is always in acquisition order. DIR
// reports which way the sweep ran; the host reverses the samples iff DIR=-1
// to restore spatial (left to right) order. The rig never pre-reverses a row
// into spatial order.
package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// HeaderKind discriminates parsed reply headers.
type HeaderKind int

const (
	HeaderLine HeaderKind = iota
	HeaderPoint
	HeaderOk
	HeaderErr
	HeaderUnknown
)

// Header is the parsed first line of a rig reply.
type Header struct {
	Kind HeaderKind

	// LINE OK fields
	N   int
	Idx int
	Dir int

	// POINT OK field
	Count int

	// Full header text, kept for OK/ERR/unknown headers
	Raw string
}

// ParseHeader decodes a reply header line. It is total over arbitrary byte
// input: anything that does not parse as a header returns ok=false and the
// caller skips the line.
func ParseHeader(line []byte) (Header, bool) {
	txt := strings.TrimSpace(string(line))
	parts := strings.Fields(txt)
	if len(parts) == 0 {
		return Header{}, false
	}

	head := strings.ToUpper(parts[0])
	kv := ParseKV(parts[1:])

	switch {
	case head == "LINE" && len(parts) > 1 && strings.ToUpper(parts[1]) == "OK":
		return Header{
			Kind: HeaderLine,
			N:    atoiDefault(kv["N"], 0),
			Idx:  atoiDefault(kv["IDX"], 0),
			Dir:  atoiDefault(kv["DIR"], 1),
		}, true

	case head == "POINT" && len(parts) > 1 && strings.ToUpper(parts[1]) == "OK":
		return Header{
			Kind:  HeaderPoint,
			Count: atoiDefault(kv["COUNT"], 0),
		}, true

	case head == "OK":
		return Header{Kind: HeaderOk, Raw: txt}, true

	case head == "ERR":
		return Header{Kind: HeaderErr, Raw: txt}, true

	default:
		return Header{Kind: HeaderUnknown, Raw: txt}, true
	}
}

// ParseKV collects KEY=VALUE tokens into a map, keys uppercased. Tokens
// without '=' are ignored.
func ParseKV(parts []string) map[string]string {
	kv := make(map[string]string, len(parts))
	for _, p := range parts {
		eq := strings.IndexByte(p, '=')
		if eq < 0 {
			continue
		}
		key := strings.ToUpper(strings.TrimSpace(p[:eq]))
		kv[key] = strings.TrimSpace(p[eq+1:])
	}
	return kv
}

// ParseCSVFloats decodes one CSV payload line. Empty tokens are dropped. A
// non-numeric token fails the whole line (ok=false). A length mismatch
// against the count declared in the header is tolerated: the parsed length is
// what callers must use. expected is only a capacity hint.
func ParseCSVFloats(line []byte, expected int) ([]float64, bool) {
	if expected < 0 {
		expected = 0
	}
	out := make([]float64, 0, expected)
	for _, tok := range strings.Split(strings.TrimSpace(string(line)), ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		v, err := strconv.ParseFloat(tok, 64)
		if err != nil {
			return nil, false
		}
		out = append(out, v)
	}
	return out, true
}

// FormatCSVFloats renders samples as one CSV line, 6 decimal places, no
// trailing comma.
func FormatCSVFloats(samples []float64) string {
	var b strings.Builder
	for i, s := range samples {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%.6f", s)
	}
	return b.String()
}

// Command encoders. The trailing newline is appended at the transport write,
// not here.

func EncodeStart(n int) string {
	return fmt.Sprintf("START N=%d", n)
}

func EncodeLine(n, idx int) string {
	return fmt.Sprintf("LINE N=%d IDX=%d", n, idx)
}

func EncodePoint(count int) string {
	return fmt.Sprintf("POINT COUNT=%d", count)
}

func EncodeBias(code int) string {
	return fmt.Sprintf("BIAS CODE=%d", code)
}

func EncodeStatus() string {
	return "STATUS"
}

func EncodeDfu() string {
	return "DFU"
}

func EncodeStep(up bool, count int) string {
	dir := "UP"
	if !up {
		dir = "DOWN"
	}
	return fmt.Sprintf("STEP DIR=%s COUNT=%d", dir, count)
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
