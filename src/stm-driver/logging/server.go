package logging

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/sirupsen/logrus"
)

// Capacity of the channel feeding the buffer goroutine.
const incomingChannelBufferSize = 5

// Number of recent log entries kept for inspection over HTTP.
const retainedEntries = 100

// LogServer retains recent log entries and serves them as a JSON array. It
// implements both logrus.Hook and http.Handler.
type LogServer struct {
	incoming chan *logrus.Entry

	entries []*logrus.Entry
	next    int
	mutex   *sync.RWMutex
}

// NewLogServer returns a LogServer ready to be added as a logrus hook.
func NewLogServer() *LogServer {
	logServer := &LogServer{
		incoming: make(chan *logrus.Entry, incomingChannelBufferSize),
		entries:  make([]*logrus.Entry, retainedEntries),
		mutex:    &sync.RWMutex{},
	}

	go func() {
		for entry := range logServer.incoming {
			logServer.mutex.Lock()
			logServer.entries[logServer.next] = entry
			logServer.next = (logServer.next + 1) % retainedEntries
			logServer.mutex.Unlock()
		}
	}()

	return logServer
}

// Levels implements the logrus.Hook interface
func (logServer *LogServer) Levels() []logrus.Level {
	return []logrus.Level{
		logrus.PanicLevel,
		logrus.FatalLevel,
		logrus.ErrorLevel,
		logrus.WarnLevel,
		logrus.InfoLevel,
	}
}

// Fire implements the logrus.Hook interface
func (logServer *LogServer) Fire(entry *logrus.Entry) error {
	select {
	case logServer.incoming <- entry:
		return nil
	default:
		return errors.New("log buffer not accepting entries, dropping entry")
	}
}

// UTCFormatter wraps a logrus formatter so that timestamps are normalized to
// UTC before encoding.
type UTCFormatter struct {
	logrus.Formatter
}

func (u UTCFormatter) Format(e *logrus.Entry) ([]byte, error) {
	e.Time = e.Time.UTC()
	return u.Formatter.Format(e)
}

var formatter = UTCFormatter{&logrus.JSONFormatter{}}

// ServeHTTP writes the retained entries, oldest first, as a JSON array.
func (logServer *LogServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logServer.mutex.RLock()
	defer logServer.mutex.RUnlock()

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	encoded := make([][]byte, 0, retainedEntries)
	for i := 0; i < retainedEntries; i++ {
		entry := logServer.entries[(logServer.next+i)%retainedEntries]
		if entry == nil {
			continue
		}
		line, err := formatter.Format(entry)
		if err != nil {
			continue
		}
		encoded = append(encoded, line)
	}

	io.WriteString(w, "[")
	w.Write(bytes.Join(encoded, []byte(",")))
	io.WriteString(w, "]")
}
