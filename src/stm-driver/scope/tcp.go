package scope

import (
	"net"
	"time"

	"context"

	"github.com/cenkalti/backoff"
	"github.com/sirupsen/logrus"
)

// How long to wait before timing out a tcp connection attempt
const dialTimeout = 5 * time.Second

// maximal interval to wait between connection retries
const maxRetryInterval = 30 * time.Second

// read poll timeout; bounds one I/O loop iteration
const pollTimeout = 100 * time.Millisecond

// connectTCP maintains a persistent connection to a network-attached rig,
// re-dialing with exponential backoff whenever the link drops.
func connectTCP(ctx context.Context, baseLogger *logrus.Entry, address string, tx chan interface{}, publish publishFn) {
	var dialer net.Dialer

	log := baseLogger.WithField("address", address)

	var conn net.Conn
	dialTCP := func() error {
		dialer.Deadline = time.Now().Add(dialTimeout)
		if conn != nil {
			conn.Close()
		}

		log.Info("Dialing TCP connection.")
		var connErr error
		conn, connErr = dialer.DialContext(ctx, "tcp", address)
		if connErr != nil {
			log.WithError(connErr).Info("Could not connect with rig.")
		}
		return connErr
	}

	expBackoff := backoff.NewExponentialBackOff()
	// Never stop retrying
	expBackoff.MaxElapsedTime = 0
	expBackoff.MaxInterval = maxRetryInterval

	backOffStrategy := backoff.WithContext(expBackoff, ctx)

	defer log.Info("Connection closed.")

	for {
		backOffStrategy.Reset()
		backoff.Retry(dialTCP, backOffStrategy)

		// connection/ctx has been cancelled
		if conn == nil || ctx.Err() != nil {
			return
		}

		log.Info("Connected.")

		err := ioLoop(ctx, log, &tcpTransport{conn: conn}, tx, publish)
		if ctx.Err() != nil {
			return
		}
		log.WithError(err).Info("Connection lost.")
		conn = nil
	}
}

// tcpTransport adapts a net.Conn to the Transport poll contract: a read
// deadline turns the blocking read into a bounded poll that reports timeouts
// as (0, nil).
type tcpTransport struct {
	conn net.Conn
}

func (t *tcpTransport) Read(p []byte) (int, error) {
	t.conn.SetReadDeadline(time.Now().Add(pollTimeout))
	n, err := t.conn.Read(p)
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return n, nil
		}
		return n, err
	}
	return n, nil
}

func (t *tcpTransport) Write(p []byte) (int, error) {
	t.conn.SetWriteDeadline(time.Now().Add(time.Second))
	return t.conn.Write(p)
}

func (t *tcpTransport) Close() error {
	return t.conn.Close()
}
