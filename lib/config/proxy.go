// Copyright 2024 PingCAP, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sqlmux/sqlmux/lib/util/errors"
)

var (
	ErrInvalidConfigValue = errors.New("invalid config value")
	ErrDuplicatedServer   = errors.New("duplicated server name")

	ErrUnsupportedProxyProtocolVersion = errors.New("unsupported proxy protocol version")
)

type Config struct {
	Proxy           ProxyServer     `yaml:"proxy,omitempty" toml:"proxy,omitempty" json:"proxy,omitempty"`
	Workers         Workers         `yaml:"workers,omitempty" toml:"workers,omitempty" json:"workers,omitempty"`
	QueryClassifier QueryClassifier `yaml:"query-classifier,omitempty" toml:"query-classifier,omitempty" json:"query-classifier,omitempty"`
	Servers         []Server        `yaml:"servers,omitempty" toml:"servers,omitempty" json:"servers,omitempty"`
	HealthCheck     HealthCheck     `yaml:"health-check" toml:"health-check" json:"health-check"`
	API             API             `yaml:"api,omitempty" toml:"api,omitempty" json:"api,omitempty"`
	Workdir         string          `yaml:"workdir,omitempty" toml:"workdir,omitempty" json:"workdir,omitempty"`
	Log             Log             `yaml:"log,omitempty" toml:"log,omitempty" json:"log,omitempty"`
}

type KeepAlive struct {
	Enabled bool `yaml:"enabled,omitempty" toml:"enabled,omitempty" json:"enabled,omitempty"`
	// Idle, Cnt, and Intvl works only when the connection is idle. User packets will interrupt keep-alive.
	// If the peer crashes and doesn't send any packets, the connection will be closed within Idle+Cnt*Intvl.
	Idle  time.Duration `yaml:"idle,omitempty" toml:"idle,omitempty" json:"idle,omitempty"`
	Cnt   int           `yaml:"cnt,omitempty" toml:"cnt,omitempty" json:"cnt,omitempty"`
	Intvl time.Duration `yaml:"intvl,omitempty" toml:"intvl,omitempty" json:"intvl,omitempty"`
	// Timeout is the timeout of waiting ACK.
	Timeout time.Duration `yaml:"timeout,omitempty" toml:"timeout,omitempty" json:"timeout,omitempty"`
}

type ProxyServerOnline struct {
	MaxConnections uint64 `yaml:"max-connections,omitempty" toml:"max-connections,omitempty" json:"max-connections,omitempty"`
	ConnBufferSize int    `yaml:"conn-buffer-size,omitempty" toml:"conn-buffer-size,omitempty" json:"conn-buffer-size,omitempty"`
	// MultiplexTimeout bounds how long a session may wait in a worker queue for a backend connection.
	MultiplexTimeout time.Duration `yaml:"multiplex-timeout,omitempty" toml:"multiplex-timeout,omitempty" json:"multiplex-timeout,omitempty"`
	// IdleTimeout closes client sessions without traffic. 0 means never.
	IdleTimeout time.Duration `yaml:"idle-timeout,omitempty" toml:"idle-timeout,omitempty" json:"idle-timeout,omitempty"`
	DialTimeout time.Duration `yaml:"dial-timeout,omitempty" toml:"dial-timeout,omitempty" json:"dial-timeout,omitempty"`
	// GracefulWaitBeforeShutdown is the number of seconds new connections are refused
	// before the sessions are closed.
	GracefulWaitBeforeShutdown int `yaml:"graceful-wait-before-shutdown,omitempty" toml:"graceful-wait-before-shutdown,omitempty" json:"graceful-wait-before-shutdown,omitempty"`
	// FrontendKeepalive applies to client connections and BackendKeepalive to connections dialed to servers.
	FrontendKeepalive KeepAlive `yaml:"frontend-keepalive" toml:"frontend-keepalive" json:"frontend-keepalive"`
	BackendKeepalive  KeepAlive `yaml:"backend-keepalive" toml:"backend-keepalive" json:"backend-keepalive"`
}

type ProxyServer struct {
	// Addr is a comma separated list of listening addresses.
	Addr string `yaml:"addr,omitempty" toml:"addr,omitempty" json:"addr,omitempty"`
	// ProxyProtocol is "v2" to accept PROXY headers from a load balancer in front of the listeners.
	ProxyProtocol     string `yaml:"proxy-protocol,omitempty" toml:"proxy-protocol,omitempty" json:"proxy-protocol,omitempty"`
	ProxyServerOnline `yaml:",inline" toml:",inline" json:",inline"`
}

type API struct {
	Addr string `yaml:"addr,omitempty" toml:"addr,omitempty" json:"addr,omitempty"`
}

type LogOnline struct {
	Level   string  `yaml:"level,omitempty" toml:"level,omitempty" json:"level,omitempty"`
	LogFile LogFile `yaml:"log-file,omitempty" toml:"log-file,omitempty" json:"log-file,omitempty"`
}

type Log struct {
	Encoder   string `yaml:"encoder,omitempty" toml:"encoder,omitempty" json:"encoder,omitempty"`
	LogOnline `yaml:",inline" toml:",inline" json:",inline"`
}

type LogFile struct {
	Filename   string `yaml:"filename,omitempty" toml:"filename,omitempty" json:"filename,omitempty"`
	MaxSize    int    `yaml:"max-size,omitempty" toml:"max-size,omitempty" json:"max-size,omitempty"`
	MaxDays    int    `yaml:"max-days,omitempty" toml:"max-days,omitempty" json:"max-days,omitempty"`
	MaxBackups int    `yaml:"max-backups,omitempty" toml:"max-backups,omitempty" json:"max-backups,omitempty"`
}

func DefaultKeepAlive() (frontend, backend KeepAlive) {
	frontend.Enabled = true
	backend.Enabled = true
	backend.Idle = 60 * time.Second
	backend.Cnt = 5
	backend.Intvl = 3 * time.Second
	backend.Timeout = 15 * time.Second
	return
}

func NewConfig() *Config {
	var cfg Config

	cfg.Proxy.Addr = "0.0.0.0:4006"
	cfg.Proxy.MultiplexTimeout = 60 * time.Second
	cfg.Proxy.DialTimeout = 5 * time.Second
	cfg.Proxy.FrontendKeepalive, cfg.Proxy.BackendKeepalive = DefaultKeepAlive()

	cfg.Workers = DefaultWorkers()
	cfg.QueryClassifier = DefaultQueryClassifier()
	cfg.HealthCheck = DefaultHealthCheck()

	cfg.API.Addr = "0.0.0.0:8989"

	cfg.Log.Level = "info"
	cfg.Log.Encoder = "console"
	cfg.Log.LogFile.MaxSize = 300
	cfg.Log.LogFile.MaxDays = 3
	cfg.Log.LogFile.MaxBackups = 3

	return &cfg
}

func (cfg *Config) Clone() *Config {
	newCfg := *cfg
	newCfg.Servers = append([]Server(nil), cfg.Servers...)
	return &newCfg
}

// GetServer returns the server section by name.
func (cfg *Config) GetServer(name string) (Server, bool) {
	for _, s := range cfg.Servers {
		if s.Name == name {
			return s, true
		}
	}
	return Server{}, false
}

func (cfg *Config) Check() error {
	if cfg.Workdir == "" {
		d, err := os.Getwd()
		if err != nil {
			return errors.WithStack(err)
		}
		cfg.Workdir = filepath.Clean(filepath.Join(d, "work"))
	}

	switch cfg.Proxy.ProxyProtocol {
	case "v2":
	case "":
	default:
		return errors.Wrapf(ErrUnsupportedProxyProtocolVersion, "%s", cfg.Proxy.ProxyProtocol)
	}

	if cfg.Proxy.ConnBufferSize > 0 && (cfg.Proxy.ConnBufferSize > 16*1024*1024 || cfg.Proxy.ConnBufferSize < 1024) {
		return errors.Wrapf(ErrInvalidConfigValue, "conn-buffer-size must be between 1K and 16M")
	}
	if cfg.Proxy.MultiplexTimeout < 0 || cfg.Proxy.IdleTimeout < 0 || cfg.Proxy.DialTimeout < 0 || cfg.Proxy.GracefulWaitBeforeShutdown < 0 {
		return errors.Wrapf(ErrInvalidConfigValue, "proxy timeouts must not be negative")
	}
	if err := cfg.Workers.Check(); err != nil {
		return err
	}
	if err := cfg.QueryClassifier.Check(); err != nil {
		return err
	}
	if err := cfg.HealthCheck.Check(); err != nil {
		return err
	}
	names := make(map[string]struct{}, len(cfg.Servers))
	for i := range cfg.Servers {
		if err := cfg.Servers[i].Check(); err != nil {
			return err
		}
		if _, ok := names[cfg.Servers[i].Name]; ok {
			return errors.Wrapf(ErrDuplicatedServer, "%s", cfg.Servers[i].Name)
		}
		names[cfg.Servers[i].Name] = struct{}{}
	}
	return nil
}

func (cfg *Config) ToBytes() ([]byte, error) {
	b := new(bytes.Buffer)
	err := toml.NewEncoder(b).Encode(cfg)
	return b.Bytes(), errors.WithStack(err)
}
