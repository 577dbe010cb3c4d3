// Command server boots the F&O core process: it builds the runtime via
// internal/runtime.Build, starts every background task (aggregator,
// tick/position sources, cleanup worker, bridge, supervisor), and serves
// the WebSocket fan-out plus health/metrics endpoints until SIGINT/SIGTERM.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/epic1st/fno-core/config"
	"github.com/epic1st/fno-core/internal/runtime"
	"github.com/epic1st/fno-core/logging"
	"github.com/epic1st/fno-core/monitoring"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: invalid: %v", err)
	}

	logger := newAppLogger(cfg)
	logger.Info("fno-core starting", logging.String("environment", cfg.Environment), logging.String("port", cfg.Port))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", logging.String("signal", sig.String()))
		cancel()
	}()

	rt, err := runtime.Build(ctx, cfg)
	if err != nil {
		logger.Fatal("runtime build failed", err)
	}
	rt.Start(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", rt.WSHub().ServeWs)
	mux.HandleFunc("/healthz", rt.Health().HTTPHealthHandler())
	mux.HandleFunc("/readyz", rt.Health().HTTPReadinessHandler())
	mux.Handle("/metrics", monitoring.Handler())

	handler := logging.PanicRecoveryMiddleware(logger)(
		logging.CORSLoggingMiddleware(logger)(
			logging.HTTPLoggingMiddleware(logger)(mux),
		),
	)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      corsHeaders(cfg.CORS.AllowedOrigins, handler),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // WebSocket connections are long-lived
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("http server listening", logging.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server failed", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", err)
	}

	rt.Shutdown()
	logger.Info("fno-core stopped")
}

// newAppLogger builds the process-wide structured logger, writing to
// stdout and to a size/age-rotated file under the audit directory. A
// rotation failure (e.g. an unwritable volume) falls back to stdout-only
// rather than blocking startup on a non-essential write path.
func newAppLogger(cfg *config.Config) *logging.Logger {
	rotating, err := logging.NewRotatingFileWriter(logging.RotationConfig{
		Filename:           cfg.Audit.Dir + "/app.log",
		MaxSizeMB:          100,
		MaxAge:             7 * 24 * time.Hour,
		MaxBackups:         10,
		CompressionEnabled: true,
	})
	if err != nil {
		log.Printf("app log rotation unavailable, falling back to stdout only: %v", err)
		return logging.NewLogger(logging.INFO)
	}
	logger := logging.NewLogger(logging.INFO, logging.NewMultiWriter(os.Stdout, rotating))

	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		hook, err := logging.NewSentryHook(dsn, cfg.Environment)
		if err != nil {
			log.Printf("sentry hook disabled: %v", err)
		} else {
			logger.AddHook(hook)
		}
	}

	return logger
}

// corsHeaders applies the configured allow-list to every response; the
// teacher's handlers set "Access-Control-Allow-Origin: *" per-route, this
// centralizes it against cfg.CORS.AllowedOrigins instead.
func corsHeaders(allowed []string, next http.Handler) http.Handler {
	allowSet := make(map[string]bool, len(allowed))
	allowAll := false
	for _, o := range allowed {
		if o == "*" {
			allowAll = true
		}
		allowSet[o] = true
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (allowAll || allowSet[origin]) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
