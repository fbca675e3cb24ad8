package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/ingest-cli/internal/model"
	"github.com/sells-group/ingest-cli/internal/monitoring"
	"github.com/sells-group/ingest-cli/internal/store"
)

var servePort int

// serverDeps is the surface the HTTP handlers need. Narrow interfaces keep
// the router testable without a full environment.
type serverDeps struct {
	recorder interface {
		Record(ctx context.Context, raws []model.RawRequest, requesterID string, observedAt time.Time) ([]model.EnrichmentRequest, error)
		List(ctx context.Context, filter store.RequestFilter) ([]model.EnrichmentRequest, error)
	}
	admitter interface {
		Admit(ctx context.Context, req *model.EnrichmentRequest) (bool, error)
	}
	observer interface {
		UpdateObservedRate(ctx context.Context, sourceID string, observedItemsPerDay float64) (*model.SourceSchedule, error)
	}
	collector interface {
		Collect(ctx context.Context) (*monitoring.MetricsSnapshot, error)
	}
	tick func(ctx context.Context) error
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API for requests, observations, and status",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		deps := serverDeps{
			recorder:  env.Ledger,
			admitter:  env.Admission,
			observer:  env.Registry,
			collector: env.Collector,
			tick:      func(ctx context.Context) error { return runTick(ctx, env) },
		}

		// Background alert checks run only when a webhook is configured.
		if cfg.Monitoring.WebhookURL != "" {
			alerter := monitoring.NewAlerter(cfg.Monitoring)
			checker := monitoring.NewChecker(env.Collector, alerter, cfg.Monitoring)
			go checker.Run(ctx)
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: newRouter(deps),
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func newRouter(deps serverDeps) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Accept", "Content-Type", "Authorization"},
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Post("/requests", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			RequesterID string             `json:"requester_id"`
			Requests    []model.RawRequest `json:"requests"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if len(body.Requests) == 0 {
			writeError(w, http.StatusBadRequest, "requests is required")
			return
		}

		recorded, err := deps.recorder.Record(r.Context(), body.Requests, body.RequesterID, time.Now().UTC())
		if err != nil {
			zap.L().Error("record requests failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "record failed")
			return
		}

		// Instant enrichment runs in the background; the caller only needs
		// to know the observations were recorded.
		for i := range recorded {
			req := recorded[i]
			go func() {
				ran, err := deps.admitter.Admit(context.Background(), &req)
				if err != nil {
					zap.L().Error("instant admission failed",
						zap.String("request_id", req.ID),
						zap.Error(err),
					)
					return
				}
				zap.L().Debug("instant admission decided",
					zap.String("request_id", req.ID),
					zap.Bool("ran", ran),
				)
			}()
		}

		ids := make([]string, len(recorded))
		for i, req := range recorded {
			ids[i] = req.ID
		}
		writeJSON(w, http.StatusAccepted, map[string]any{
			"recorded":    len(recorded),
			"request_ids": ids,
		})
	})

	r.Get("/requests", func(w http.ResponseWriter, r *http.Request) {
		filter := store.RequestFilter{
			Status:     model.RequestStatus(r.URL.Query().Get("status")),
			EntityKind: r.URL.Query().Get("entity_kind"),
			Limit:      100,
		}
		rows, err := deps.recorder.List(r.Context(), filter)
		if err != nil {
			zap.L().Error("list requests failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "list failed")
			return
		}
		writeJSON(w, http.StatusOK, rows)
	})

	r.Post("/observations", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			SourceID            string  `json:"source_id"`
			ObservedItemsPerDay float64 `json:"observed_items_per_day"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if body.SourceID == "" {
			writeError(w, http.StatusBadRequest, "source_id is required")
			return
		}

		sched, err := deps.observer.UpdateObservedRate(r.Context(), body.SourceID, body.ObservedItemsPerDay)
		if err != nil {
			zap.L().Error("record observation failed",
				zap.String("source_id", body.SourceID),
				zap.Error(err),
			)
			writeError(w, http.StatusInternalServerError, "observation failed")
			return
		}
		writeJSON(w, http.StatusOK, sched)
	})

	r.Post("/tick", func(w http.ResponseWriter, r *http.Request) {
		if err := deps.tick(r.Context()); err != nil {
			zap.L().Error("tick failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "tick failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		snap, err := deps.collector.Collect(r.Context())
		if err != nil {
			zap.L().Error("collect status failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "status failed")
			return
		}
		writeJSON(w, http.StatusOK, snap)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
