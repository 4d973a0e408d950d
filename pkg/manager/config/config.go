// Copyright 2024 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"hash/crc32"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/sqlmux/sqlmux/lib/config"
	"github.com/sqlmux/sqlmux/lib/util/errors"
	"go.uber.org/zap"
)

// sparseOverlay encodes only the non-zero fields of cfg, so that the overlay does not reset
// the fields it leaves unset.
func sparseOverlay(cfg *config.Config) ([]byte, error) {
	full, err := cfg.ToBytes()
	if err != nil {
		return nil, err
	}
	doc := make(map[string]any)
	if _, err := toml.Decode(string(full), &doc); err != nil {
		return nil, errors.WithStack(err)
	}
	pruneZero(doc)
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(doc); err != nil {
		return nil, errors.WithStack(err)
	}
	return buf.Bytes(), nil
}

func pruneZero(doc map[string]any) {
	for k, v := range doc {
		switch v := v.(type) {
		case map[string]any:
			pruneZero(v)
			if len(v) == 0 {
				delete(doc, k)
			}
		case []map[string]any:
			for _, m := range v {
				pruneZero(m)
			}
			if len(v) == 0 {
				delete(doc, k)
			}
		case []any:
			if len(v) == 0 {
				delete(doc, k)
			}
		case string:
			// Durations are encoded as strings.
			if v == "" || v == "0s" {
				delete(doc, k)
			}
		case int64:
			if v == 0 {
				delete(doc, k)
			}
		case float64:
			if v == 0 {
				delete(doc, k)
			}
		case bool:
			if !v {
				delete(doc, k)
			}
		}
	}
}

func (e *ConfigManager) reloadConfigFile(file string) error {
	proxyConfigData, err := os.ReadFile(file)
	if err != nil {
		return errors.WithStack(err)
	}

	return e.SetTOMLConfig(proxyConfigData)
}

// SetTOMLConfig will do partial config update. Usually, user will expect config changes
// only when they specified a config item. It is, however, impossible to tell a struct
// `c.max-conns == 0` means no user-input, or it specified `0`.
// So we always update the current config with a TOML string, which only overwrite fields
// that are specified by users.
func (e *ConfigManager) SetTOMLConfig(data []byte) (err error) {
	e.sts.Lock()
	defer func() {
		if err == nil {
			e.logger.Info("current config", zap.Any("cfg", e.sts.current))
		}
		e.sts.Unlock()
	}()

	base := e.sts.current
	if base == nil {
		base = config.NewConfig()
	} else {
		base = base.Clone()
	}

	// A servers list replaces the old one instead of being merged into it element by element.
	if md, derr := toml.Decode(string(data), &struct{}{}); derr == nil && md.IsDefined("servers") {
		base.Servers = nil
	}
	if err = toml.Unmarshal(data, base); err != nil {
		return errors.WithStack(err)
	}

	if err = toml.Unmarshal(e.overlay, base); err != nil {
		return errors.WithStack(err)
	}

	if err = base.Check(); err != nil {
		return
	}

	buf, err := base.ToBytes()
	if err != nil {
		return err
	}
	e.sts.current = base
	e.sts.checksum = crc32.ChecksumIEEE(buf)

	for _, ch := range e.sts.listeners {
		notify(ch, base.Clone())
	}
	return nil
}

// notify keeps only the latest config in the channel so that a slow watcher never blocks updates.
func notify(ch chan *config.Config, cfg *config.Config) {
	for {
		select {
		case ch <- cfg:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

func (e *ConfigManager) GetConfig() *config.Config {
	e.sts.Lock()
	v := e.sts.current
	e.sts.Unlock()
	return v
}

func (e *ConfigManager) GetConfigChecksum() uint32 {
	e.sts.Lock()
	c := e.sts.checksum
	e.sts.Unlock()
	return c
}

// WatchConfig returns a channel that receives a copy of every new config.
// Configs may be skipped, but the last one is always delivered.
func (e *ConfigManager) WatchConfig() <-chan *config.Config {
	ch := make(chan *config.Config, 1)
	e.sts.Lock()
	e.sts.listeners = append(e.sts.listeners, ch)
	e.sts.Unlock()
	return ch
}
