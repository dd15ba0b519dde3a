package server

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"strconv"

	"github.com/denisbrodbeck/machineid"
	"github.com/sirupsen/logrus"

	"github.com/attolab/stm-driver/src/stm-driver/config"
	"github.com/attolab/stm-driver/src/stm-driver/logging"
	"github.com/attolab/stm-driver/src/stm-driver/scan"
	"github.com/attolab/stm-driver/src/stm-driver/scope"
)

// Uncomment following line for profiling. And run `go tool pprof http://localhost:8382/debug/pprof/profile` or `go tool pprof http://localhost:8382/debug/pprof/heap`
// import _ "net/http/pprof"

// build var (-ldflags)
var version string

// Start the driver server
func Start(logger *logrus.Logger, cfg *config.Config) context.CancelFunc {
	// Log Server
	logServer := logging.NewLogServer()
	logger.AddHook(logServer)
	http.Handle("/log", corsHeaders(cfg.Listen.Origins, logServer))

	baseLog := logger.WithFields(logrus.Fields{
		"version": version,
	})

	// Stable per-host id so log streams from different lab machines can be
	// told apart.
	machineId, err := machineid.ProtectedID("stm-driver")
	if err != nil {
		baseLog.WithError(err).Panic("Could not determine machine id.")
	}

	baseLog = baseLog.WithFields(logrus.Fields{
		"machineId": machineId,
		"os":        runtime.GOOS,
		"arch":      runtime.GOARCH,
	})

	baseLog.Info("STM Driver starting")

	// Setup a context
	ctx, cancel := context.WithCancel(context.Background())

	// Setup rig connection handle
	scopeHandle := scope.New(ctx, baseLog.WithField("package", "scope"))
	http.Handle("/scope", corsHeaders(cfg.Listen.Origins, scopeHandle))

	// Setup scan controller
	scanControl := scan.New(scopeHandle, cfg.Scan.Size, uint16(cfg.Scan.BiasCode), baseLog.WithField("package", "scan"))
	scopeHandle.SetScanControl(scanControl)
	go scanControl.Run(ctx)

	// A configured serial port connects at startup; otherwise the GUI picks
	// the transport.
	if cfg.Serial.Port != "" {
		scopeHandle.ConnectSerial(cfg.Serial.Port, cfg.Serial.Baud)
	}

	// Create a logger for server
	log := baseLog.WithField("package", "server")

	// Start the monitor
	go startMonitor(baseLog.WithField("package", "monitor"))

	// Setup HTTP Server
	serverPort := strconv.Itoa(cfg.Listen.Port)
	server := http.Server{Addr: "127.0.0.1:" + serverPort}

	// Server root
	rootMsg, _ := json.Marshal(map[string]string{
		"message":   "STM Driver",
		"version":   version,
		"machineId": machineId,
		"os":        runtime.GOOS,
		"arch":      runtime.GOARCH,
	})
	http.Handle("/", corsHeaders(cfg.Listen.Origins, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write(rootMsg)
	})))

	// Start the server
	log.WithField("port", serverPort).Info("Starting HTTP server.")

	go func() {
		serverErr := server.ListenAndServe()
		if serverErr != http.ErrServerClosed {
			log.Panic(serverErr)
		}
	}()

	// cleanup routine
	go func() {
		<-ctx.Done()

		log.Info("Server closing down.")
		server.Close()

	}()

	return cancel
}

// Middleware for CORS headers, to be applied to any route that should be accessible from browser apps.
func corsHeaders(origins []string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(r.Header["Origin"]) == 1 && contains(origins, r.Header["Origin"][0]) {
			w.Header().Set("Access-Control-Allow-Origin", r.Header["Origin"][0])
			w.Header().Set("Access-Control-Allow-Private-Network", "true")
		}

		// Announce that `Origin` header value may affect response
		w.Header().Set("Vary", "Origin")

		if r.Method == "OPTIONS" {
			w.WriteHeader(200)
			return
		} else {
			next.ServeHTTP(w, r)
		}
	})
}

func contains(slice []string, candidate string) bool {
	for _, member := range slice {
		if member == candidate {
			return true
		}
	}
	return false
}
