package rig

import (
	"context"
	"io"

	"github.com/attolab/stm-driver/src/stm-driver/protocol"
)

// Serve runs the command loop against a line-oriented link until the context
// is cancelled or the link fails. One corrupt or erroring command never
// aborts the loop; only transport failure does.
func (d *Dispatcher) Serve(ctx context.Context, link io.ReadWriter) error {
	// announce readiness once per session
	if err := writeLine(link, `OK MSG="rig-ready"`); err != nil {
		return err
	}

	reader := protocol.NewLineReader(link)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		line, ok, err := reader.Next()
		if err != nil {
			return err
		}
		if !ok {
			continue
		}

		for _, reply := range d.Dispatch(string(line)) {
			if err := writeLine(link, reply); err != nil {
				return err
			}
		}
	}
}

func writeLine(w io.Writer, line string) error {
	_, err := io.WriteString(w, line+"\n")
	return err
}
