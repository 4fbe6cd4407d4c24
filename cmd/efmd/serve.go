package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/efm-runtime/efm/pkg/override"
)

var (
	servePulseInterval time.Duration
	serveAddr          string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the EFM Runtime governance kernel",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().DurationVar(&servePulseInterval, "tick-interval", time.Second, "wall-clock interval between control-loop iterations")
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8090", "address the override and health endpoints listen on")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	doc, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	rt, err := newRuntime(ctx, doc, logger)
	if err != nil {
		return err
	}
	defer rt.clk.Stop()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = rt.telemetryProvider.Shutdown(shutdownCtx)
		rt.auditLog.Close()
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(rt.promRegistry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/override", rt.handleOverrideHTTP)

	server := &http.Server{Addr: serveAddr, Handler: mux}
	go func() {
		logger.Info("efmd: listening", "addr", serveAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("efmd: http server failed", "err", err)
		}
	}()

	ticker := time.NewTicker(servePulseInterval)
	defer ticker.Stop()

	logger.Info("efmd: runtime started", "version", doc.Version)
	for {
		select {
		case <-ctx.Done():
			logger.Info("efmd: shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = server.Shutdown(shutdownCtx)
			cancel()
			return nil
		case <-ticker.C:
			rt.controlTick(ctx)
		}
	}
}

// handleOverrideHTTP is the wire adapter between the operator command
// channel's Go API and the network: decode a Command, run Handle, and
// report the resulting Status the same way the channel's caller would
// see it in-process. It never bypasses Handle's latency budget or
// pre-execution audit ordering — those are enforced inside Handle
// itself, not here.
func (r *runtime) handleOverrideHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var cmd override.Command
	if err := json.NewDecoder(req.Body).Decode(&cmd); err != nil {
		http.Error(w, "malformed command: "+err.Error(), http.StatusBadRequest)
		return
	}

	resp, err := r.overrideHandler.Handle(req.Context(), cmd, r.clk.Now())
	if err != nil {
		r.logger.Warn("efmd: override handling error", "err", err)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
