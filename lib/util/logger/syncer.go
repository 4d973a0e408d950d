// Copyright 2024 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"os"
	"sync"

	"github.com/sqlmux/sqlmux/lib/config"
	"github.com/sqlmux/sqlmux/lib/util/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const defaultLogMaxSize = 300 // MB

var _ zapcore.WriteSyncer = (*AtomicWriteSyncer)(nil)

// output is a WriteSyncer that owns a resource, lumberjack needs to be closed.
type output interface {
	zapcore.WriteSyncer
	Close() error
}

type fileOutput struct {
	*lumberjack.Logger
}

func (*fileOutput) Sync() error {
	return nil
}

type stdOutput struct {
	zapcore.WriteSyncer
}

func (*stdOutput) Close() error {
	return nil
}

// AtomicWriteSyncer is a WriteSyncer whose destination can be swapped online.
type AtomicWriteSyncer struct {
	mu  sync.RWMutex
	out output
}

// Rebuild opens the destination described by cfg and closes the previous one.
func (ws *AtomicWriteSyncer) Rebuild(cfg *config.LogOnline) error {
	var out output
	if cfg.LogFile.Filename != "" {
		if st, err := os.Stat(cfg.LogFile.Filename); err == nil && st.IsDir() {
			return errors.New("can't use directory as log file name")
		}
		maxSize := cfg.LogFile.MaxSize
		if maxSize == 0 {
			maxSize = defaultLogMaxSize
		}
		out = &fileOutput{&lumberjack.Logger{
			Filename:   cfg.LogFile.Filename,
			MaxSize:    maxSize,
			MaxBackups: cfg.LogFile.MaxBackups,
			MaxAge:     cfg.LogFile.MaxDays,
			LocalTime:  true,
		}}
	} else {
		std, _, err := zap.Open("stdout")
		if err != nil {
			return errors.WithStack(err)
		}
		out = &stdOutput{std}
	}
	return ws.swap(out)
}

func (ws *AtomicWriteSyncer) Write(p []byte) (n int, err error) {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	if ws.out == nil {
		return len(p), nil
	}
	return ws.out.Write(p)
}

func (ws *AtomicWriteSyncer) Sync() error {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	if ws.out == nil {
		return nil
	}
	return ws.out.Sync()
}

func (ws *AtomicWriteSyncer) swap(out output) error {
	ws.mu.Lock()
	prev := ws.out
	ws.out = out
	ws.mu.Unlock()
	if prev != nil {
		return prev.Close()
	}
	return nil
}

// Close closes the current output. Later writes are discarded.
func (ws *AtomicWriteSyncer) Close() error {
	return ws.swap(nil)
}
