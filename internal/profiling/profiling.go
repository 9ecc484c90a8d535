package profiling

import (
	"log/slog"
	"net/http"
	"time"
)

const (
	endpoint          = "localhost:9091"
	readHeaderTimeout = 2 * time.Second
)

// Enable the pprof endpoint. The handlers are registered on the default mux
// by the net/http/pprof import in the run command.
func Enable() {
	go func() {
		server := &http.Server{
			Addr:              endpoint,
			ReadHeaderTimeout: readHeaderTimeout,
		}

		if err := server.ListenAndServe(); err != nil {
			slog.Error("Failed to start profiling server", "error", err)
		}
	}()

	slog.Info("profiling enabled", "endpoint", endpoint+"/debug/pprof")
}
