package main

import (
	"os"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"

	"github.com/wippyai/scopeheap/errors"
	"github.com/wippyai/scopeheap/heap"
)

const envPrefix = "SCOPEHEAP"

// Config is the effective heap configuration: environment first, then
// flags that were set explicitly.
type Config struct {
	Budget    uint64 `envconfig:"BUDGET"`
	MaxPages  uint32 `envconfig:"MAX_PAGES"`
	StackSize uint32 `envconfig:"STACK_SIZE"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"warn"`
}

func loadConfig(cmd *cobra.Command, opts *options) (*Config, error) {
	conf := &Config{}
	if err := envconfig.Process(envPrefix, conf); err != nil {
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidData, err, "environment")
	}

	flags := cmd.Flags()
	if flags.Changed("budget") {
		conf.Budget = opts.budget
	}
	if flags.Changed("pages") {
		conf.MaxPages = opts.pages
	}
	if flags.Changed("stack-size") {
		conf.StackSize = opts.stackSize
	}
	if flags.Changed("log-level") {
		conf.LogLevel = opts.logLevel
	}
	return conf, nil
}

// HeapConfig converts to a heap configuration.
func (c *Config) HeapConfig(logger *zap.Logger) *heap.Config {
	return &heap.Config{
		Budget:    c.Budget,
		MaxPages:  c.MaxPages,
		StackSize: c.StackSize,
		Logger:    logger,
	}
}

// Logger builds a console logger on stderr at the configured level, with
// colored levels when stderr is a terminal.
func (c *Config) Logger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "log level")
	}

	zc := zap.NewDevelopmentConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.DisableStacktrace = true
	if term.IsTerminal(int(os.Stderr.Fd())) {
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	logger, err := zc.Build()
	if err != nil {
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "logger")
	}
	heap.SetLogger(logger)
	return logger, nil
}
