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

package daemon

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crashwise/orchestrator/internal/config"
	"github.com/crashwise/orchestrator/internal/submission"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Daemon.DataDir = dir
	cfg.Daemon.WorkflowsDir = filepath.Join(dir, "workflows")
	cfg.Daemon.PIDFile = filepath.Join(dir, "crashwised.pid")
	cfg.Daemon.Listen.TCPAddr = "127.0.0.1:0"
	return cfg
}

func TestNew_WiresComponentsWithoutBringingThemOnline(t *testing.T) {
	cfg := testConfig(t)

	d, err := New(cfg, Options{Version: "test"})
	require.NoError(t, err)
	defer d.auditLog.Close()

	assert.NotNil(t, d.registry)
	assert.NotNil(t, d.progress)
	assert.NotNil(t, d.auditLog)
	assert.NotNil(t, d.bootstrap)
	assert.NotNil(t, d.pidFile)

	// Nothing bringUp populates is wired until Start runs the bootstrap
	// machine.
	assert.Nil(t, d.cacheStore)
	assert.Nil(t, d.engineCli)
	assert.Nil(t, d.submission)
}

func TestNew_NoPIDFileWhenUnconfigured(t *testing.T) {
	cfg := testConfig(t)
	cfg.Daemon.PIDFile = ""

	d, err := New(cfg, Options{})
	require.NoError(t, err)
	defer d.auditLog.Close()

	assert.Nil(t, d.pidFile)
}

func TestShutdown_NoopWhenNeverStarted(t *testing.T) {
	cfg := testConfig(t)

	d, err := New(cfg, Options{})
	require.NoError(t, err)
	defer d.auditLog.Close()

	assert.NoError(t, d.Shutdown(context.Background()))
}

func TestShutdown_DrainsImmediatelyWithNoActiveRuns(t *testing.T) {
	cfg := testConfig(t)
	cfg.Daemon.DrainTimeout = 50 * time.Millisecond

	d, err := New(cfg, Options{})
	require.NoError(t, err)
	defer d.auditLog.Close()

	d.started = true
	assert.NoError(t, d.Shutdown(context.Background()))
}

func TestShutdown_RejectsNewSubmissionsOnceDraining(t *testing.T) {
	cfg := testConfig(t)
	cfg.Daemon.DrainTimeout = 50 * time.Millisecond

	d, err := New(cfg, Options{})
	require.NoError(t, err)
	defer d.auditLog.Close()

	d.submission = &submission.Pipeline{Registry: d.registry, Progress: d.progress}
	d.started = true

	require.NoError(t, d.Shutdown(context.Background()))
	assert.True(t, d.submission.IsDraining())
}

func TestShutdown_WarnsButReturnsNilOnDrainTimeout(t *testing.T) {
	cfg := testConfig(t)
	cfg.Daemon.DrainTimeout = 20 * time.Millisecond

	d, err := New(cfg, Options{})
	require.NoError(t, err)
	defer d.auditLog.Close()

	d.progress.Init("stuck-run", "afl_fuzz_target")
	d.started = true

	assert.NoError(t, d.Shutdown(context.Background()))
}

func TestCheckPermissionsAtStartup_DoesNotPanicOnMissingDirs(t *testing.T) {
	cfg := testConfig(t)

	d, err := New(cfg, Options{})
	require.NoError(t, err)
	defer d.auditLog.Close()

	d.checkPermissionsAtStartup()
}
