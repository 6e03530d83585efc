// Package main implements the drive-qa API server.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/vivitsaS/drive-qa/engine/app"
	"github.com/vivitsaS/drive-qa/engine/domain"
	"github.com/vivitsaS/drive-qa/engine/prompt"
	"github.com/vivitsaS/drive-qa/engine/rag"
	"github.com/vivitsaS/drive-qa/pkg/config"
	"github.com/vivitsaS/drive-qa/pkg/fn"
	"github.com/vivitsaS/drive-qa/pkg/metrics"
	"github.com/vivitsaS/drive-qa/pkg/mid"
)

const maxBodyBytes = 1 << 20

func main() {
	configPath := flag.String("config", os.Getenv("DRIVEQA_CONFIG"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}
	logger := cfg.NewLogger(os.Stdout, true)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	a, err := app.New(ctx, cfg, logger, m)
	if err != nil {
		return err
	}
	if err := a.Store.Warm(); err != nil {
		return fmt.Errorf("load dataset: %w", err)
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      newHandler(a, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Model.Timeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "port", cfg.Server.Port, "model", cfg.Model.Name)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

func newHandler(a *app.App, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", handleHealth)
	mux.HandleFunc("GET /api/model", handleModel(a.Service))
	mux.HandleFunc("GET /api/scenes", handleScenes(a))
	mux.HandleFunc("GET /api/scenes/{scene}/keyframes/{keyframe}/context", handleContext(a.Assembler))
	mux.HandleFunc("POST /api/ask", handleAsk(a.Service))
	if a.Metrics != nil {
		mux.Handle("GET /metrics", a.Metrics.Handler())
	}

	mw := []mid.Middleware{
		mid.Recover(logger),
		mid.RequestID(),
		mid.Logger(logger),
		mid.CORS(a.Config.Server.CORSOrigin),
		mid.OTel("driveqa-api"),
	}
	if a.Metrics != nil {
		mw = append(mw, mid.Metrics(a.Metrics))
	}
	return mid.Chain(mux, mw...)
}

// --- Handlers ---

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func handleModel(svc *rag.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, svc.ModelInfo())
	}
}

func handleScenes(a *app.App) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		scenes, err := a.Store.Scenes()
		writeEnvelope(w, fn.FromPair(scenes, err))
	}
}

func handleContext(asm *prompt.Assembler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q, err := contextQuery(r)
		if err != nil {
			writeEnvelope(w, fn.Err[prompt.Rendered](err, fn.Meta{rag.MetaStage: string(rag.StateValidateInputs)}))
			return
		}
		res := asm.Render(r.Context(), q)
		if res.IsErr() {
			res = res.WithMeta(fn.Meta{rag.MetaStage: string(rag.StateBuildContext)})
		}
		writeEnvelope(w, res)
	}
}

func contextQuery(r *http.Request) (domain.Query, error) {
	var q domain.Query
	var err error
	if q.Scene, err = domain.ParseRef(r.PathValue("scene")); err != nil {
		return q, err
	}
	if q.Keyframe, err = domain.ParseRef(r.PathValue("keyframe")); err != nil {
		return q, err
	}
	if q.Category, err = domain.ParseCategory(r.URL.Query().Get("category")); err != nil {
		return q, err
	}
	q.Question = r.URL.Query().Get("question")
	q.Serial = 1
	if s := r.URL.Query().Get("serial"); s != "" {
		if q.Serial, err = strconv.Atoi(s); err != nil {
			return q, domain.Errorf(domain.ErrInvalidInput, "serial", "serial %q is not a number", s)
		}
	}
	return q, domain.ValidateQuery(q)
}

func handleAsk(svc *rag.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req rag.Request
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&req); err != nil {
			writeEnvelope(w, fn.Err[*rag.Response](
				domain.Errorf(domain.ErrInvalidInput, "request", "invalid request body: %v", err),
				fn.Meta{rag.MetaStage: string(rag.StateValidateInputs)},
			))
			return
		}
		ctx := rag.ContextWithRequestID(r.Context(), mid.RequestIDFromContext(r.Context()))
		writeEnvelope(w, svc.Ask(ctx, req))
	}
}

// --- Encoding ---

// statusFor maps an envelope onto an HTTP status code.
func statusFor[T any](res fn.Result[T]) int {
	if res.IsOk() {
		return http.StatusOK
	}
	kind := res.MetaString(rag.MetaKind)
	if kind == "" {
		kind = domain.KindOf(res.Error()).String()
	}
	switch kind {
	case domain.KindInvalidInput.String():
		return http.StatusBadRequest
	case domain.KindNotFound.String(), domain.KindIndexOutOfRange.String():
		return http.StatusNotFound
	case domain.KindModel.String():
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeEnvelope[T any](w http.ResponseWriter, res fn.Result[T]) {
	if res.IsErr() && res.MetaString(rag.MetaKind) == "" {
		res = res.WithMeta(fn.Meta{rag.MetaKind: domain.KindOf(res.Error()).String()})
	}
	writeJSON(w, statusFor(res), res)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
