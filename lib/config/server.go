// Copyright 2024 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"time"

	"github.com/sqlmux/sqlmux/lib/util/errors"
)

// Server is one backend database server.
type Server struct {
	Name string `yaml:"name" toml:"name" json:"name"`
	Addr string `yaml:"addr" toml:"addr" json:"addr"`
	// MaxRoutingConnections caps the connections opened by all workers. 0 means unlimited.
	MaxRoutingConnections int64 `yaml:"max-routing-connections,omitempty" toml:"max-routing-connections,omitempty" json:"max-routing-connections,omitempty"`
	// PersistPoolMax is the number of idle connections kept by all workers. 0 disables pooling.
	PersistPoolMax int64 `yaml:"persist-pool-max,omitempty" toml:"persist-pool-max,omitempty" json:"persist-pool-max,omitempty"`
	// PersistMaxTime is the longest time a connection stays in a pool.
	PersistMaxTime time.Duration `yaml:"persist-max-time,omitempty" toml:"persist-max-time,omitempty" json:"persist-max-time,omitempty"`
	// ProxyProtocol sends a PROXY v2 header with the client address on every new connection.
	ProxyProtocol bool `yaml:"proxy-protocol,omitempty" toml:"proxy-protocol,omitempty" json:"proxy-protocol,omitempty"`
}

func (s *Server) Check() error {
	if s.Name == "" {
		return errors.Wrapf(ErrInvalidConfigValue, "server name must not be empty")
	}
	if s.Addr == "" {
		return errors.Wrapf(ErrInvalidConfigValue, "server %s has no address", s.Name)
	}
	if s.MaxRoutingConnections < 0 || s.PersistPoolMax < 0 || s.PersistMaxTime < 0 {
		return errors.Wrapf(ErrInvalidConfigValue, "server %s has negative limits", s.Name)
	}
	if s.PersistPoolMax > 0 && s.PersistMaxTime == 0 {
		s.PersistMaxTime = time.Hour
	}
	return nil
}
