package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/spf13/cobra"

	"github.com/vectis-data/permit-sync/internal/model"
	"github.com/vectis-data/permit-sync/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the read-only permit API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: newRouter(st),
		}

		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			_ = srv.Shutdown(ctx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}
		return nil
	},
}

func newRouter(st store.Store) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "OPTIONS"},
	}))

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/api/permits", func(w http.ResponseWriter, req *http.Request) {
		q := req.URL.Query()
		permits, err := st.ListPermits(req.Context(), store.PermitFilter{
			City:   q.Get("city"),
			Tier:   model.Tier(q.Get("tier")),
			Status: q.Get("status"),
			Limit:  intParam(q.Get("limit")),
			Offset: intParam(q.Get("offset")),
		})
		if err != nil {
			serverError(w, "list permits", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"permits": permits, "count": len(permits)})
	})

	r.Get("/api/changes", func(w http.ResponseWriter, req *http.Request) {
		q := req.URL.Query()
		changes, err := st.ListChangeEvents(req.Context(), store.ChangeFilter{
			City:  q.Get("city"),
			Limit: intParam(q.Get("limit")),
		})
		if err != nil {
			serverError(w, "list changes", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"changes": changes, "count": len(changes)})
	})

	r.Get("/api/runs", func(w http.ResponseWriter, req *http.Request) {
		runs, err := st.ListRuns(req.Context(), intParam(req.URL.Query().Get("limit")))
		if err != nil {
			serverError(w, "list runs", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "count": len(runs)})
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func serverError(w http.ResponseWriter, op string, err error) {
	zap.L().Error("api request failed", zap.String("op", op), zap.Error(err))
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
}

func intParam(s string) int {
	if s == "" {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
