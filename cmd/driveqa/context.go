package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/vivitsaS/drive-qa/engine/app"
	"github.com/vivitsaS/drive-qa/engine/generate"
	"github.com/vivitsaS/drive-qa/pkg/config"
)

type commandContext struct {
	configPath string
	output     string
	logLevel   string

	// loadConfig and models are replaced in tests. watching, when set, runs
	// once watch is subscribed.
	loadConfig func(path string) (config.Config, error)
	models     generate.ContentGenerator
	watching   func()

	configOnce sync.Once
	config     config.Config
	configErr  error
}

func newCommandContext() *commandContext {
	return &commandContext{loadConfig: config.Load}
}

func (c *commandContext) ensureConfig() (config.Config, error) {
	c.configOnce.Do(func() {
		cfg, err := c.loadConfig(strings.TrimSpace(c.configPath))
		if err != nil {
			c.configErr = err
			return
		}
		if c.logLevel != "" {
			if _, err := config.ParseLevel(c.logLevel); err != nil {
				c.configErr = err
				return
			}
			cfg.Logging.Level = c.logLevel
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

// build wires the pipeline. Offline builds skip the model client, so commands
// that only read the dataset work without an API key.
func (c *commandContext) build(cmd *cobra.Command, offline bool, extra ...app.Option) (*app.App, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}
	logger := cfg.NewLogger(stderr(cmd), false)
	opts := extra
	if offline {
		opts = append(opts, app.Offline())
	}
	if c.models != nil {
		opts = append(opts, app.WithModels(c.models))
	}
	a, err := app.New(cmd.Context(), cfg, logger, nil, opts...)
	if err != nil {
		return nil, err
	}
	if err := a.Store.Warm(); err != nil {
		return nil, fmt.Errorf("load dataset: %w", err)
	}
	return a, nil
}

func stderr(cmd *cobra.Command) io.Writer {
	return cmd.ErrOrStderr()
}
