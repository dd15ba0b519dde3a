package scope

import (
	"context"
	"io"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/attolab/stm-driver/src/stm-driver/protocol"
)

// Transport is the byte-stream capability the I/O loop runs over. Read must
// return (0, nil) when no bytes arrive within its poll timeout, so the loop
// keeps flushing outgoing commands while the rig is quiet.
type Transport interface {
	io.ReadWriter
	Close() error
}

type publishFn func(msg interface{}, topic string)

// ioLoop owns the transport exclusively. Each iteration drains every queued
// outgoing command, then polls for one header line; LINE OK and POINT OK
// headers are paired with exactly one CSV payload line before anything else
// is read, so frames can never interleave. Returns when the context is
// cancelled or the transport fails; the transport is closed on every exit
// path.
func ioLoop(ctx context.Context, log *logrus.Entry, transport Transport, tx chan interface{}, publish publishFn) error {
	defer transport.Close()

	reader := protocol.NewLineReader(transport)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		// writes first: command sends are never starved by a slow reader
		if err := drainCommands(transport, tx); err != nil {
			return err
		}

		line, ok, err := reader.Next()
		if err != nil {
			return err
		}
		if !ok {
			continue
		}

		header, ok := protocol.ParseHeader(line)
		if !ok {
			continue
		}

		switch header.Kind {
		case protocol.HeaderLine:
			payload, ok, err := awaitPayload(ctx, reader)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			samples, ok := protocol.ParseCSVFloats(payload, header.N)
			if !ok {
				continue
			}
			if len(samples) != header.N {
				log.WithFields(logrus.Fields{
					"declared": header.N,
					"received": len(samples),
				}).Debug("Line payload length mismatch, keeping received samples.")
			}
			publish(protocol.LineFrame{Samples: samples, Idx: header.Idx, Dir: header.Dir}, topicFrames)

		case protocol.HeaderPoint:
			payload, ok, err := awaitPayload(ctx, reader)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			samples, ok := protocol.ParseCSVFloats(payload, header.Count)
			if !ok {
				continue
			}
			publish(protocol.PointFrame{Samples: samples}, topicFrames)

		case protocol.HeaderOk:
			log.WithField("status", header.Raw).Debug("Rig status.")
			publish(protocol.StatusFrame{Ok: true, Raw: header.Raw}, topicStatus)

		case protocol.HeaderErr:
			log.WithField("status", header.Raw).Warn("Rig reported error.")
			publish(protocol.StatusFrame{Ok: false, Raw: header.Raw}, topicStatus)

		default:
			log.WithField("line", header.Raw).Debug("Unrecognized header, skipping.")
		}
	}
}

// drainCommands writes every currently queued command, appending the line
// terminator when absent. Stops on the first empty poll.
func drainCommands(w io.Writer, tx chan interface{}) error {
	for {
		select {
		case i := <-tx:
			cmd, ok := i.(string)
			if !ok {
				continue
			}
			if !strings.HasSuffix(cmd, "\n") {
				cmd += "\n"
			}
			if _, err := io.WriteString(w, cmd); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

// awaitPayload blocks the read side until the payload line paired with the
// current header arrives, or the loop is torn down.
func awaitPayload(ctx context.Context, reader *protocol.LineReader) ([]byte, bool, error) {
	for {
		if ctx.Err() != nil {
			return nil, false, ctx.Err()
		}
		line, ok, err := reader.Next()
		if err != nil {
			return nil, false, err
		}
		if ok {
			return line, true, nil
		}
	}
}
