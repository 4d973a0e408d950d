// Copyright 2024 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/sqlmux/sqlmux/lib/config"
	"github.com/sqlmux/sqlmux/lib/util/errors"
	"github.com/sqlmux/sqlmux/lib/util/waitgroup"
	"go.uber.org/zap"
)

type ConfigManager struct {
	wg      waitgroup.WaitGroup
	cancel  context.CancelFunc
	logger  *zap.Logger
	watcher *fsnotify.Watcher

	overlay []byte
	sts     struct {
		sync.Mutex
		listeners []chan *config.Config
		current   *config.Config
		checksum  uint32
	}
}

func NewConfigManager() *ConfigManager {
	return &ConfigManager{}
}

// Init loads configFile, if any, with overlay applied on top. The file is watched and
// reloaded on changes. Non-zero fields of overlay always win over the file.
func (e *ConfigManager) Init(ctx context.Context, logger *zap.Logger, configFile string, overlay *config.Config) error {
	var err error
	var nctx context.Context
	nctx, e.cancel = context.WithCancel(ctx)
	e.logger = logger

	if overlay != nil {
		if e.overlay, err = sparseOverlay(overlay); err != nil {
			return err
		}
	}

	if configFile == "" {
		return e.SetTOMLConfig(nil)
	}
	if err = e.reloadConfigFile(configFile); err != nil {
		return err
	}

	// Watch the directory so that the file can be removed and created again.
	if e.watcher, err = fsnotify.NewWatcher(); err != nil {
		return errors.WithStack(err)
	}
	configFile = filepath.Clean(configFile)
	if err = e.watcher.Add(filepath.Dir(configFile)); err != nil {
		return errors.WithStack(err)
	}
	e.wg.Run(func() {
		e.watch(nctx, configFile)
	})
	return nil
}

func (e *ConfigManager) watch(ctx context.Context, configFile string) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-e.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != configFile || !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if err := e.reloadConfigFile(configFile); err != nil {
				e.logger.Warn("failed to reload config file", zap.String("file", configFile), zap.Error(err))
			}
		case err, ok := <-e.watcher.Errors:
			if !ok {
				return
			}
			e.logger.Warn("failed to watch config file", zap.String("file", configFile), zap.Error(err))
		}
	}
}

func (e *ConfigManager) Close() error {
	var err error
	if e.cancel != nil {
		e.cancel()
	}
	if e.watcher != nil {
		err = e.watcher.Close()
	}
	e.wg.Wait()

	e.sts.Lock()
	for _, ch := range e.sts.listeners {
		close(ch)
	}
	e.sts.listeners = nil
	e.sts.Unlock()
	return errors.WithStack(err)
}
