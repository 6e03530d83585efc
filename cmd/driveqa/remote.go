package main

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/vivitsaS/drive-qa/engine/rag"
	"github.com/vivitsaS/drive-qa/pkg/config"
	"github.com/vivitsaS/drive-qa/pkg/fn"
	"github.com/vivitsaS/drive-qa/pkg/natsutil"
)

func connectNATS(cfg config.Config) (*nats.Conn, error) {
	nc, err := nats.Connect(cfg.NATS.URL, nats.Name("driveqa-cli"))
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", cfg.NATS.URL, err)
	}
	return nc, nil
}

// remoteTimeout covers every model attempt a worker may make plus queueing.
func remoteTimeout(mc config.ModelConfig) time.Duration {
	return time.Duration(max(mc.RetryAttempts, 1))*mc.Timeout + 30*time.Second
}

// askRemote sends req to the worker pool and returns the worker's envelope.
func askRemote(ctx context.Context, cfg config.Config, req rag.Request) (fn.Result[*rag.Response], error) {
	nc, err := connectNATS(cfg)
	if err != nil {
		return fn.Result[*rag.Response]{}, err
	}
	defer nc.Close()

	ctx, cancel := context.WithTimeout(ctx, remoteTimeout(cfg.Model))
	defer cancel()
	return natsutil.Request[rag.Request, fn.Result[*rag.Response]](ctx, nc, cfg.NATS.AskSubject, req)
}

func newWatchCommand(ctx *commandContext) *cobra.Command {
	var count int

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print answers as workers publish them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			nc, err := connectNATS(cfg)
			if err != nil {
				return err
			}
			defer nc.Close()

			answers := make(chan fn.Result[*rag.Response], 64)
			done := make(chan struct{})
			defer close(done)
			sub, err := natsutil.Subscribe(nc, cfg.NATS.AnswerSubject, func(_ context.Context, res fn.Result[*rag.Response]) {
				select {
				case answers <- res:
				case <-done:
				}
			})
			if err != nil {
				return err
			}
			defer sub.Unsubscribe()
			if err := nc.Flush(); err != nil {
				return fmt.Errorf("nats flush: %w", err)
			}
			if ctx.watching != nil {
				ctx.watching()
			}

			for seen := 0; count <= 0 || seen < count; seen++ {
				select {
				case <-cmd.Context().Done():
					return nil
				case res := <-answers:
					if ctx.jsonOutput(cmd) {
						if err := writeJSON(cmd, res); err != nil {
							return err
						}
						continue
					}
					printAnswer(cmd, res)
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 0, "Exit after this many answers; 0 watches until interrupted")
	return cmd
}
