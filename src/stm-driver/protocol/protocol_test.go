package protocol

import (
	"reflect"
	"strings"
	"testing"
)

func TestParseHeader(t *testing.T) {
	cases := []struct {
		line   string
		ok     bool
		header Header
	}{
		{
			line:   "LINE OK N=256 IDX=0 DIR=+1",
			ok:     true,
			header: Header{Kind: HeaderLine, N: 256, Idx: 0, Dir: 1},
		},
		{
			line:   "line ok N=4 IDX=3 DIR=-1",
			ok:     true,
			header: Header{Kind: HeaderLine, N: 4, Idx: 3, Dir: -1},
		},
		{
			// missing DIR falls back to forward
			line:   "LINE OK N=16 IDX=2",
			ok:     true,
			header: Header{Kind: HeaderLine, N: 16, Idx: 2, Dir: 1},
		},
		{
			line:   "POINT OK COUNT=200",
			ok:     true,
			header: Header{Kind: HeaderPoint, Count: 200},
		},
		{
			line:   `OK MSG="rig-ready"`,
			ok:     true,
			header: Header{Kind: HeaderOk, Raw: `OK MSG="rig-ready"`},
		},
		{
			line:   `ERR CODE=32 MSG="IDX out of range"`,
			ok:     true,
			header: Header{Kind: HeaderErr, Raw: `ERR CODE=32 MSG="IDX out of range"`},
		},
		{
			line:   "WAT N=3",
			ok:     true,
			header: Header{Kind: HeaderUnknown, Raw: "WAT N=3"},
		},
		{
			line: "",
			ok:   false,
		},
		{
			line: "   \t  ",
			ok:   false,
		},
	}

	for _, c := range cases {
		header, ok := ParseHeader([]byte(c.line))
		if ok != c.ok {
			t.Errorf("ParseHeader(%q) ok = %v, want %v", c.line, ok, c.ok)
			continue
		}
		if ok && !reflect.DeepEqual(header, c.header) {
			t.Errorf("ParseHeader(%q) = %+v, want %+v", c.line, header, c.header)
		}
	}
}

func TestParseHeaderArbitraryBytes(t *testing.T) {
	// decoding must be total over arbitrary byte input
	junk := [][]byte{
		{0xff, 0xfe, 0x00, 0x48},
		[]byte("LINE OK N=\xff IDX=1"),
		[]byte{0x00},
	}
	for _, line := range junk {
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.Errorf("ParseHeader(%x) panicked: %v", line, r)
				}
			}()
			ParseHeader(line)
		}()
	}
}

func TestParseCSVFloats(t *testing.T) {
	cases := []struct {
		line string
		ok   bool
		want []float64
	}{
		{"1.5,-2.25,0.000000", true, []float64{1.5, -2.25, 0}},
		{"1.0,,2.0,", true, []float64{1, 2}}, // empty tokens dropped
		{"", true, []float64{}},
		{"1.0,abc,2.0", false, nil},
	}

	for _, c := range cases {
		got, ok := ParseCSVFloats([]byte(c.line), 4)
		if ok != c.ok {
			t.Errorf("ParseCSVFloats(%q) ok = %v, want %v", c.line, ok, c.ok)
			continue
		}
		if ok && !reflect.DeepEqual(got, c.want) {
			t.Errorf("ParseCSVFloats(%q) = %v, want %v", c.line, got, c.want)
		}
	}
}

func TestParseCSVFloatsLengthMismatchTolerated(t *testing.T) {
	// 3 values against a declared count of 128: the parsed length wins
	got, ok := ParseCSVFloats([]byte("1.0,2.0,3.0"), 128)
	if !ok {
		t.Fatal("expected truncated payload to parse")
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 samples, got %d", len(got))
	}
}

func TestCommandRoundTrip(t *testing.T) {
	cases := []struct {
		encoded string
		verb    string
		kv      map[string]string
	}{
		{EncodeStart(128), "START", map[string]string{"N": "128"}},
		{EncodeLine(256, 17), "LINE", map[string]string{"N": "256", "IDX": "17"}},
		{EncodePoint(200), "POINT", map[string]string{"COUNT": "200"}},
		{EncodeBias(20000), "BIAS", map[string]string{"CODE": "20000"}},
		{EncodeStatus(), "STATUS", map[string]string{}},
		{EncodeStep(true, 5), "STEP", map[string]string{"DIR": "UP", "COUNT": "5"}},
	}

	for _, c := range cases {
		parts := strings.Fields(c.encoded)
		if len(parts) == 0 || parts[0] != c.verb {
			t.Errorf("%q: expected verb %s", c.encoded, c.verb)
			continue
		}
		kv := ParseKV(parts[1:])
		if !reflect.DeepEqual(kv, c.kv) {
			t.Errorf("%q: decoded fields %v, want %v", c.encoded, kv, c.kv)
		}
	}
}

func TestFormatCSVFloats(t *testing.T) {
	got := FormatCSVFloats([]float64{1, -0.5})
	if got != "1.000000,-0.500000" {
		t.Errorf("FormatCSVFloats = %q", got)
	}
	if FormatCSVFloats(nil) != "" {
		t.Error("expected empty string for no samples")
	}
}

// scriptedReader returns each chunk in sequence, then keeps reporting a
// zero-byte read like a serial port poll timeout.
type scriptedReader struct {
	chunks [][]byte
}

func (s *scriptedReader) Read(p []byte) (int, error) {
	if len(s.chunks) == 0 {
		return 0, nil
	}
	n := copy(p, s.chunks[0])
	if n < len(s.chunks[0]) {
		s.chunks[0] = s.chunks[0][n:]
	} else {
		s.chunks = s.chunks[1:]
	}
	return n, nil
}

func TestLineReader(t *testing.T) {
	r := &scriptedReader{chunks: [][]byte{
		[]byte("OK MSG=\"a\"\r\nLINE OK N=2"),
		[]byte(" IDX=0 DIR=+1\n1.0,2.0\npartial"),
	}}
	lr := NewLineReader(r)

	expect := func(want string) {
		t.Helper()
		for i := 0; i < 10; i++ {
			line, ok, err := lr.Next()
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ok {
				if string(line) != want {
					t.Fatalf("got line %q, want %q", line, want)
				}
				return
			}
		}
		t.Fatalf("line %q never became available", want)
	}

	expect(`OK MSG="a"`)
	expect("LINE OK N=2 IDX=0 DIR=+1")
	expect("1.0,2.0")

	// "partial" has no terminator: never a complete line
	for i := 0; i < 5; i++ {
		if _, ok, _ := lr.Next(); ok {
			t.Fatal("incomplete line must not be returned")
		}
	}
}
