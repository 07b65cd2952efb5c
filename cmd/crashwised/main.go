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

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/crashwise/orchestrator/internal/config"
	"github.com/crashwise/orchestrator/internal/daemon"
	"github.com/crashwise/orchestrator/internal/log"
)

// Version information (injected via ldflags at build time).
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath   = flag.String("config", "", "Path to the crashwised YAML config file")
		socketPath   = flag.String("socket", "", "Unix socket path to listen on")
		tcpAddr      = flag.String("tcp", "", "TCP address to listen on")
		workflowsDir = flag.String("workflows-dir", "", "Directory to sweep for workflow definitions")
		hostRoot     = flag.String("host-root", "", "Install root to resolve the worker compose project from")
		tlsCert      = flag.String("tls-cert", "", "Path to TLS certificate file")
		tlsKey       = flag.String("tls-key", "", "Path to TLS private key file")
		allowRemote  = flag.Bool("allow-remote", false, "Allow binding to non-localhost addresses (SECURITY WARNING)")
		showVersion  = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("crashwised %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	if *socketPath != "" {
		cfg.Daemon.Listen.SocketPath = *socketPath
	}
	if *tcpAddr != "" {
		cfg.Daemon.Listen.TCPAddr = *tcpAddr
	}
	if *workflowsDir != "" {
		cfg.Daemon.WorkflowsDir = *workflowsDir
	}
	if *hostRoot != "" {
		cfg.Daemon.HostRoot = *hostRoot
	}
	if *tlsCert != "" {
		cfg.Daemon.Listen.TLSCert = *tlsCert
	}
	if *tlsKey != "" {
		cfg.Daemon.Listen.TLSKey = *tlsKey
	}
	if *allowRemote {
		cfg.Daemon.Listen.AllowRemote = true
		logger.Warn("--allow-remote is enabled, crashwised will accept connections from any network address")
	}

	d, err := daemon.New(cfg, daemon.Options{
		Version:   version,
		Commit:    commit,
		BuildDate: buildDate,
	})
	if err != nil {
		logger.Error("failed to create daemon", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- d.Start(ctx)
	}()

	select {
	case sig := <-sigCh:
		fmt.Printf("\nreceived signal %v, shutting down...\n", sig)
		cancel()
		if err := d.Shutdown(context.Background()); err != nil {
			logger.Error("error during shutdown", slog.Any("error", err))
		}
	case err := <-errCh:
		if err != nil {
			logger.Error("daemon error", slog.Any("error", err))
			os.Exit(1)
		}
	}
}
