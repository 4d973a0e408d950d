// Copyright 2024 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package qc

import (
	"github.com/sqlmux/sqlmux/lib/util/errors"
	"go.uber.org/atomic"
)

var ErrInvalidCacheSize = errors.New("cache size must not be negative")

// Properties are shared by the caches of all workers.
type Properties struct {
	maxSize atomic.Int64
}

// CacheProperties is the JSON form of Properties.
type CacheProperties struct {
	CacheSize int64 `json:"cache_size"`
}

func NewProperties(maxSize int64) (*Properties, error) {
	p := &Properties{}
	if err := p.SetMaxSize(maxSize); err != nil {
		return nil, err
	}
	return p, nil
}

// MaxSize is the global byte budget. 0 disables caching.
func (p *Properties) MaxSize() int64 {
	return p.maxSize.Load()
}

func (p *Properties) SetMaxSize(size int64) error {
	if size < 0 {
		return errors.Wrapf(ErrInvalidCacheSize, "%d", size)
	}
	p.maxSize.Store(size)
	return nil
}

func (p *Properties) Get() CacheProperties {
	return CacheProperties{CacheSize: p.MaxSize()}
}

func (p *Properties) Set(cp CacheProperties) error {
	return p.SetMaxSize(cp.CacheSize)
}
