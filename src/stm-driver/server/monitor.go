package server

import (
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

const monitorInterval = 30 * time.Second

// startMonitor periodically logs runtime statistics. A SIGUSR1 triggers an
// immediate report, useful when watching a long scan for leaks.
func startMonitor(log *logrus.Entry) {
	ticker := time.NewTicker(monitorInterval)

	usr1 := make(chan os.Signal, 1)
	signal.Notify(usr1, syscall.SIGUSR1)

	for {
		select {
		case <-ticker.C:
		case <-usr1:
		}
		report(log)
	}
}

func report(log *logrus.Entry) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	log.WithFields(logrus.Fields{
		"heapAlloc": m.HeapAlloc,
		"numGC":     m.NumGC,
		"routines":  runtime.NumGoroutine(),
	}).Info("Monitoring runtime.")
}
