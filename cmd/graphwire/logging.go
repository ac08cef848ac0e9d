package main

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wippyai/graphwire/config"
	"github.com/wippyai/graphwire/pipeline"
	"github.com/wippyai/graphwire/transport"
	"github.com/wippyai/graphwire/transport/wslink"
	"github.com/wippyai/graphwire/typenaming"
)

// newLogger builds the process logger and installs it in every package
// that logs.
func newLogger(cfg config.Log, quiet bool) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = []string{"stderr"}

	var log *zap.Logger
	if quiet {
		// the monitor owns the terminal
		log = zap.NewNop()
	} else if log, err = zc.Build(); err != nil {
		return nil, err
	}

	transport.SetLogger(log.Named("transport"))
	transport.SetDebug(cfg.Debug)
	wslink.SetLogger(log.Named("wslink"))
	pipeline.SetLogger(log.Named("pipeline"))
	typenaming.SetLogger(log.Named("naming"))
	return log, nil
}
