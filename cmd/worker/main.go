// Command worker answers questions received over NATS. Each request on the
// ask subject gets the result envelope as its reply, and every envelope is
// also published on the answers subject for evaluators to collect.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/vivitsaS/drive-qa/engine/app"
	"github.com/vivitsaS/drive-qa/engine/domain"
	"github.com/vivitsaS/drive-qa/engine/rag"
	"github.com/vivitsaS/drive-qa/pkg/config"
	"github.com/vivitsaS/drive-qa/pkg/fn"
	"github.com/vivitsaS/drive-qa/pkg/metrics"
	"github.com/vivitsaS/drive-qa/pkg/natsutil"
)

// Job is one question sent to the worker. ID, when set, becomes the request id.
type Job struct {
	ID string `json:"id,omitempty"`
	rag.Request
}

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
		logger.Error("worker exited with error", "err", err)
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

	nc, err := nats.Connect(cfg.NATS.URL,
		nats.Name("driveqa-worker"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer nc.Drain()

	w := &worker{svc: a.Service, nc: nc, cfg: cfg.NATS, logger: logger.With("component", "worker")}
	if _, err := w.start(); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", m.Handler())
	srv := &http.Server{Addr: ":" + cfg.Server.Port, Handler: mux, ReadTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", "err", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutCtx)
}

type worker struct {
	svc    *rag.Service
	nc     *nats.Conn
	cfg    config.NATSConfig
	logger *slog.Logger
}

// start subscribes cfg.Workers members of the queue group; NATS delivers to
// each subscription serially, so this bounds concurrent questions.
func (w *worker) start() ([]*nats.Subscription, error) {
	subs := make([]*nats.Subscription, 0, w.cfg.Workers)
	for range w.cfg.Workers {
		sub, err := natsutil.Serve(w.nc, w.cfg.AskSubject, w.cfg.Queue, w.handle, w.malformed)
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			return nil, fmt.Errorf("subscribe %s: %w", w.cfg.AskSubject, err)
		}
		subs = append(subs, sub)
	}
	w.logger.Info("worker listening", "subject", w.cfg.AskSubject, "queue", w.cfg.Queue, "workers", w.cfg.Workers)
	return subs, nil
}

func (w *worker) handle(ctx context.Context, job Job) fn.Result[*rag.Response] {
	if job.ID != "" {
		ctx = rag.ContextWithRequestID(ctx, job.ID)
	}
	res := w.svc.Ask(ctx, job.Request)
	w.publish(ctx, res)
	return res
}

func (w *worker) malformed(err error) fn.Result[*rag.Response] {
	w.logger.Warn("malformed job", "err", err)
	return fn.Err[*rag.Response](domain.Errorf(domain.ErrInvalidInput, "job", "%v", err), fn.Meta{
		rag.MetaStage: string(rag.StateValidateInputs),
		rag.MetaKind:  domain.KindInvalidInput.String(),
	})
}

func (w *worker) publish(ctx context.Context, res fn.Result[*rag.Response]) {
	if w.cfg.AnswerSubject == "" {
		return
	}
	if err := natsutil.Publish(ctx, w.nc, w.cfg.AnswerSubject, res); err != nil {
		w.logger.Error("publish answer", "err", err, "request_id", res.MetaString(rag.MetaRequestID))
	}
}
