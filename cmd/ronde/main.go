package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"

	"github.com/hazyhaar/ronde"
	"github.com/hazyhaar/ronde/dbopen"
	"github.com/hazyhaar/ronde/observability"
	"github.com/hazyhaar/ronde/watch"
)

func main() {
	cfg, err := loadConfig(env("CONFIG_FILE", ""))
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}

	// Environment overrides the file.
	if v := os.Getenv("PORT"); v != "" {
		cfg.Listen = ":" + v
	}
	cfg.DBPath = env("DB_PATH", cfg.DBPath)
	cfg.APIBase = env("API_BASE", cfg.APIBase)
	cfg.APIKey = env("API_KEY", cfg.APIKey)
	cfg.WebhookURL = env("WEBHOOK_URL", cfg.WebhookURL)

	if cfg.APIBase == "" {
		slog.Error("API_BASE (or api_base in the config file) is required")
		os.Exit(1)
	}

	// Logging.
	var lvl slog.Level
	switch env("LOG_LEVEL", "info") {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	// Signal context.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, err := dbopen.Open(cfg.DBPath, dbopen.WithMkdirAll())
	if err != nil {
		slog.Error("open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	fetcher := newPlatformFetcher(cfg.APIBase, cfg.APIKey)
	opts := []ronde.ServiceOption{ronde.WithContentFetcher(fetcher.FetchKey)}
	if cfg.WebhookURL != "" {
		opts = append(opts, ronde.WithNotificationSink(&webhookSink{url: cfg.WebhookURL, client: fetcher.client}))
	}

	svc, err := ronde.New(db, fetcher, cfg.serviceConfig(), logger, opts...)
	if err != nil {
		slog.Error("ronde service", "error", err)
		os.Exit(1)
	}
	defer svc.Close()

	hb := observability.NewHeartbeatWriter(db, "ronde", 15*time.Second)
	hb.Start(ctx)
	defer hb.Stop()

	// Optional MCP over stdio.
	if env("MCP_TRANSPORT", "") == "stdio" {
		mcpSrv := mcp.NewServer(&mcp.Implementation{
			Name:    "ronde",
			Version: "1.0.0",
		}, nil)
		svc.RegisterMCP(mcpSrv)
		go func() {
			if err := mcpSrv.Run(ctx, &mcp.StdioTransport{}); err != nil && ctx.Err() == nil {
				slog.Error("MCP stdio", "error", err)
			}
		}()
	}

	// Tick loop. Schedule mutations (HTTP, MCP, another process) trigger
	// an early tick instead of waiting out the interval.
	tickNow := make(chan struct{}, 1)
	w := watch.New(db, watch.Options{
		Interval: 2 * time.Second,
		Debounce: 500 * time.Millisecond,
		Detector: watch.MaxColumnDetector("channel_schedules", "updated_at"),
		Logger:   logger,
	})
	go w.OnChange(ctx, func() error {
		select {
		case tickNow <- struct{}{}:
		default:
		}
		return nil
	})
	go tickLoop(ctx, svc, cfg.TickInterval, tickNow)

	// Basic Auth credentials. Hash once at startup, compare per request.
	authUser := env("AUTH_USER", "admin")
	var authHash []byte
	if pw := os.Getenv("AUTH_PASSWORD"); pw != "" {
		authHash, err = bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
		if err != nil {
			slog.Error("hash password", "error", err)
			os.Exit(1)
		}
	} else {
		slog.Warn("AUTH_PASSWORD not set — API endpoints are unauthenticated")
	}

	// Router.
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, map[string]string{"status": "ok", "phase": svc.Phase()})
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(requireAuth(authUser, authHash))

		r.Get("/quota", func(w http.ResponseWriter, r *http.Request) {
			status, err := svc.QuotaStatus(r.Context())
			if err != nil {
				writeServiceError(w, err)
				return
			}
			writeJSON(w, 200, status)
		})

		r.Get("/schedules", func(w http.ResponseWriter, r *http.Request) {
			list, err := svc.ListSchedules(r.Context())
			if err != nil {
				writeServiceError(w, err)
				return
			}
			if list == nil {
				list = []*ronde.ChannelSchedule{}
			}
			writeJSON(w, 200, list)
		})

		r.Post("/schedules", func(w http.ResponseWriter, r *http.Request) {
			var sch ronde.ChannelSchedule
			if err := json.NewDecoder(r.Body).Decode(&sch); err != nil {
				writeError(w, 400, err)
				return
			}
			if err := svc.AddSchedule(r.Context(), &sch); err != nil {
				writeServiceError(w, err)
				return
			}
			writeJSON(w, 201, sch)
		})

		r.Get("/schedules/{id}", func(w http.ResponseWriter, r *http.Request) {
			sch, err := svc.GetSchedule(r.Context(), chi.URLParam(r, "id"))
			if err != nil {
				writeServiceError(w, err)
				return
			}
			writeJSON(w, 200, sch)
		})

		r.Put("/schedules/{id}", func(w http.ResponseWriter, r *http.Request) {
			var sch ronde.ChannelSchedule
			if err := json.NewDecoder(r.Body).Decode(&sch); err != nil {
				writeError(w, 400, err)
				return
			}
			sch.ID = chi.URLParam(r, "id")
			if err := svc.UpdateSchedule(r.Context(), &sch); err != nil {
				writeServiceError(w, err)
				return
			}
			writeJSON(w, 200, sch)
		})

		r.Delete("/schedules/{id}", func(w http.ResponseWriter, r *http.Request) {
			if err := svc.DeactivateSchedule(r.Context(), chi.URLParam(r, "id")); err != nil {
				writeServiceError(w, err)
				return
			}
			writeJSON(w, 200, map[string]string{"status": "deactivated"})
		})

		r.Post("/schedules/{id}/check", func(w http.ResponseWriter, r *http.Request) {
			res, err := svc.ForceCheck(r.Context(), chi.URLParam(r, "id"))
			if err != nil {
				writeServiceError(w, err)
				return
			}
			writeJSON(w, 200, res)
		})

		r.Post("/schedules/{id}/slots", func(w http.ResponseWriter, r *http.Request) {
			var slot ronde.TimeSlot
			if err := json.NewDecoder(r.Body).Decode(&slot); err != nil {
				writeError(w, 400, err)
				return
			}
			if err := svc.AddSlot(r.Context(), chi.URLParam(r, "id"), &slot); err != nil {
				writeServiceError(w, err)
				return
			}
			writeJSON(w, 201, slot)
		})

		r.Delete("/slots/{slotID}", func(w http.ResponseWriter, r *http.Request) {
			if err := svc.RemoveSlot(r.Context(), chi.URLParam(r, "slotID")); err != nil {
				writeServiceError(w, err)
				return
			}
			writeJSON(w, 200, map[string]string{"status": "deleted"})
		})

		r.Get("/schedules/{id}/suggestions", func(w http.ResponseWriter, r *http.Request) {
			suggestions, err := svc.Suggestions(r.Context(), chi.URLParam(r, "id"))
			if err != nil {
				writeServiceError(w, err)
				return
			}
			if suggestions == nil {
				suggestions = []ronde.Suggestion{}
			}
			writeJSON(w, 200, suggestions)
		})

		r.Post("/tick", func(w http.ResponseWriter, r *http.Request) {
			rep, err := svc.Tick(r.Context())
			if err != nil {
				writeServiceError(w, err)
				return
			}
			writeJSON(w, 200, rep)
		})

		r.Post("/analyze", func(w http.ResponseWriter, r *http.Request) {
			analysis, err := svc.Analyze(r.Context())
			if err != nil {
				writeServiceError(w, err)
				return
			}
			writeJSON(w, 200, analysis)
		})

		r.Get("/insights", func(w http.ResponseWriter, r *http.Request) {
			insights, err := svc.Insights(r.Context(), queryInt(r, "limit", 20))
			if err != nil {
				writeServiceError(w, err)
				return
			}
			if insights == nil {
				insights = []*ronde.Insight{}
			}
			writeJSON(w, 200, insights)
		})

		r.Get("/cache/stats", func(w http.ResponseWriter, r *http.Request) {
			stats, err := svc.CacheStats(r.Context())
			if err != nil {
				writeServiceError(w, err)
				return
			}
			writeJSON(w, 200, stats)
		})

		// Cache keys contain colons, so the key travels as a query param.
		r.Get("/cache", func(w http.ResponseWriter, r *http.Request) {
			key := r.URL.Query().Get("key")
			if key == "" {
				writeJSON(w, 400, map[string]string{"error": "key query param required"})
				return
			}
			data, ok := svc.CacheGet(r.Context(), key)
			if !ok {
				writeJSON(w, 404, map[string]string{"error": "cache miss"})
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(200)
			w.Write(data)
		})

		r.Get("/events", func(w http.ResponseWriter, r *http.Request) {
			events, err := svc.RecentEvents(r.Context(), r.URL.Query().Get("type"), queryInt(r, "limit", 50))
			if err != nil {
				writeServiceError(w, err)
				return
			}
			if events == nil {
				events = []observability.BusinessEvent{}
			}
			writeJSON(w, 200, events)
		})
	})

	// HTTP server.
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "addr", cfg.Listen, "tick_interval", cfg.TickInterval)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	slog.Info("server stopped")
}

// tickLoop runs one maintenance cycle immediately, then on every interval
// tick or early-tick signal until the context ends.
func tickLoop(ctx context.Context, svc *ronde.Service, interval time.Duration, tickNow <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	run := func() {
		start := time.Now()
		rep, err := svc.Tick(ctx)
		if err != nil {
			if ctx.Err() == nil {
				slog.Error("tick failed", "error", err)
			}
			return
		}
		slog.Info("tick complete",
			"duration", time.Since(start),
			"dispatched", rep.Pass.Dispatched,
			"content_found", rep.Pass.ContentFound,
			"fallback_checked", rep.Fallback.Checked,
			"gaps", rep.Gaps,
			"prefetched", rep.Prefetched)
	}

	run()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run()
		case <-tickNow:
			run()
		}
	}
}

// --- Auth middleware ---

// requireAuth enforces HTTP Basic Auth against the configured user and
// bcrypt password hash. A nil hash disables enforcement.
func requireAuth(user string, hash []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if hash == nil {
				next.ServeHTTP(w, r)
				return
			}
			u, p, ok := r.BasicAuth()
			if !ok || u != user || bcrypt.CompareHashAndPassword(hash, []byte(p)) != nil {
				w.Header().Set("WWW-Authenticate", `Basic realm="ronde"`)
				writeJSON(w, 401, map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// --- Helpers ---

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ronde.ErrNotFound):
		writeError(w, 404, err)
	case errors.Is(err, ronde.ErrDuplicateSchedule):
		writeError(w, 409, err)
	case errors.Is(err, ronde.ErrInvalidInput):
		writeError(w, 400, err)
	case errors.Is(err, ronde.ErrQuotaExhausted):
		writeError(w, 429, err)
	default:
		writeError(w, 500, err)
	}
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return v
}
