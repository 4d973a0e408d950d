// Copyright 2024 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"context"

	"github.com/sqlmux/sqlmux/lib/config"
	"github.com/sqlmux/sqlmux/lib/util/errors"
	"github.com/sqlmux/sqlmux/lib/util/logger"
	"github.com/sqlmux/sqlmux/lib/util/waitgroup"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LoggerManager applies the online part of the log config: the level and the log file.
// The encoder is fixed at startup because cloned cores keep their own encoder.
type LoggerManager struct {
	lg     *zap.Logger
	syncer *logger.AtomicWriteSyncer
	level  zap.AtomicLevel
	// applied is only touched by the watch goroutine.
	applied config.LogOnline
	cancel  context.CancelFunc
	wg      waitgroup.WaitGroup
}

// NewLoggerManager builds the process logger from cfg, or from the defaults if cfg is nil.
func NewLoggerManager(cfg *config.Log) (*LoggerManager, *zap.Logger, error) {
	if cfg == nil {
		cfg = &config.NewConfig().Log
	}
	mainLogger, syncer, level, err := logger.BuildLogger(cfg)
	if err != nil {
		return nil, nil, err
	}
	mainLogger = mainLogger.Named("main")
	return &LoggerManager{
		lg:      mainLogger.Named("lgmgr"),
		syncer:  syncer,
		level:   level,
		applied: cfg.LogOnline,
	}, mainLogger, nil
}

// Init watches cfgch until Close.
func (lm *LoggerManager) Init(cfgch <-chan *config.Config) {
	ctx, cancel := context.WithCancel(context.Background())
	lm.cancel = cancel
	lm.wg.Run(func() {
		lm.watchCfg(ctx, cfgch)
	})
}

func (lm *LoggerManager) watchCfg(ctx context.Context, cfgch <-chan *config.Config) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-cfgch:
			if !ok {
				return
			}
			online := cfg.Log.LogOnline
			if online == lm.applied {
				continue
			}
			if err := lm.apply(&online); err != nil {
				lm.lg.Error("update logger configuration failed",
					zap.Error(err),
					zap.String("level", online.Level),
					zap.String("filename", online.LogFile.Filename))
				continue
			}
			lm.applied = online
			lm.lg.Info("logger configuration updated",
				zap.String("level", online.Level),
				zap.String("filename", online.LogFile.Filename))
		}
	}
}

// apply validates the level before touching the output so that a bad config changes nothing.
func (lm *LoggerManager) apply(cfg *config.LogOnline) error {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return errors.WithStack(err)
	}
	if err := lm.syncer.Rebuild(cfg); err != nil {
		return err
	}
	lm.level.SetLevel(level)
	return nil
}

func (lm *LoggerManager) Close() error {
	if lm.cancel != nil {
		lm.cancel()
	}
	lm.wg.Wait()
	return lm.syncer.Close()
}
