// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package listener provides Unix socket and TCP listener abstractions.
package listener

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/crashwise/orchestrator/internal/config"
)

// New creates a listener from the given configuration. TCP takes
// precedence over a Unix socket when both are set.
func New(cfg config.DaemonListenConfig) (net.Listener, error) {
	if cfg.TCPAddr != "" {
		if !cfg.AllowRemote && isRemoteAddr(cfg.TCPAddr) {
			return nil, fmt.Errorf("refusing to bind remote address %q without --allow-remote", cfg.TCPAddr)
		}
		return net.Listen("tcp", cfg.TCPAddr)
	}

	if cfg.SocketPath == "" {
		return nil, fmt.Errorf("no listen address configured: set socket_path or tcp_addr")
	}

	dir := filepath.Dir(cfg.SocketPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating socket directory %s: %w", dir, err)
	}

	// A stale socket (or a plain file at the same path) blocks bind; remove
	// it before listening.
	if _, err := os.Stat(cfg.SocketPath); err == nil {
		if err := os.Remove(cfg.SocketPath); err != nil {
			return nil, fmt.Errorf("removing stale socket %s: %w", cfg.SocketPath, err)
		}
	}

	ln, err := net.Listen("unix", cfg.SocketPath)
	if err != nil {
		return nil, err
	}

	if err := os.Chmod(cfg.SocketPath, 0600); err != nil {
		ln.Close()
		return nil, fmt.Errorf("restricting socket permissions: %w", err)
	}

	return ln, nil
}

// isRemoteAddr reports whether addr names anything other than the loopback
// interface: a wildcard bind (empty host, "0.0.0.0", "::"), or a host that
// isn't "localhost"/"127.0.0.1"/"::1".
func isRemoteAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		return true
	case "localhost", "127.0.0.1", "::1":
		return false
	default:
		return true
	}
}

// ParseCrashwiseHost parses a daemon listen URL ("unix:///path",
// "tcp://host:port", "https://host:port") into listen configuration.
// An empty string yields a nil config so the caller falls back to defaults.
func ParseCrashwiseHost(host string) (*config.DaemonListenConfig, error) {
	if host == "" {
		return nil, nil
	}

	switch {
	case strings.HasPrefix(host, "unix://"):
		return &config.DaemonListenConfig{SocketPath: strings.TrimPrefix(host, "unix://")}, nil
	case strings.HasPrefix(host, "tcp://"):
		return &config.DaemonListenConfig{TCPAddr: strings.TrimPrefix(host, "tcp://")}, nil
	case strings.HasPrefix(host, "https://"):
		return &config.DaemonListenConfig{TCPAddr: strings.TrimPrefix(host, "https://")}, nil
	case strings.HasPrefix(host, "http://"):
		return nil, fmt.Errorf("plaintext http:// is not supported, use https:// or tcp://")
	default:
		return nil, fmt.Errorf("unrecognised host scheme: %q", host)
	}
}
