package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeMetadata(t *testing.T, dir, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "metadata.yaml"), []byte(content), 0644))
}

func TestDiscover_EmptyRoot(t *testing.T) {
	root := t.TempDir()
	r := New(nil)

	defs, err := r.Discover(root)
	require.NoError(t, err)
	assert.Empty(t, defs)
	assert.Empty(t, r.All())
}

func TestDiscover_ValidWorkflow(t *testing.T) {
	root := t.TempDir()
	writeMetadata(t, filepath.Join(root, "gitleaks_detection"), `
name: gitleaks_detection
vertical: secrets
entry_type: GitleaksDetectionWorkflow
tags: [secrets]
parameters_schema:
  properties:
    scan_mode:
      type: string
      default: detect
    no_git:
      type: boolean
      default: true
    redact:
      type: boolean
      default: false
default_parameters:
  scan_mode: detect
`)

	r := New(nil)
	defs, err := r.Discover(root)
	require.NoError(t, err)
	require.Contains(t, defs, "gitleaks_detection")

	def := defs["gitleaks_detection"]
	assert.Equal(t, "secrets", def.Vertical)
	assert.Equal(t, "secrets-queue", def.TaskQueue())
	assert.Equal(t, []string{"scan_mode", "no_git", "redact"}, def.ParametersSchema.Order)
	assert.False(t, def.IsFuzzing())
}

func TestDiscover_SkipsHiddenAndMissingName(t *testing.T) {
	root := t.TempDir()
	writeMetadata(t, filepath.Join(root, ".hidden"), "name: hidden\nvertical: x\n")
	writeMetadata(t, filepath.Join(root, "noname"), "vertical: x\n")
	writeMetadata(t, filepath.Join(root, "novertical"), "name: novertical\n")

	r := New(nil)
	defs, err := r.Discover(root)
	require.NoError(t, err)
	assert.Empty(t, defs)
}

func TestDiscover_DuplicateNameFirstWriterWins(t *testing.T) {
	root := t.TempDir()
	writeMetadata(t, filepath.Join(root, "a_first"), "name: dup\nvertical: secrets\n")
	writeMetadata(t, filepath.Join(root, "b_second"), "name: dup\nvertical: android\n")

	r := New(nil)
	defs, err := r.Discover(root)
	require.NoError(t, err)
	require.Contains(t, defs, "dup")
	assert.Equal(t, "secrets", defs["dup"].Vertical)
}

func TestDiscover_MalformedDirectoryDoesNotAbortSweep(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "broken"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "broken", "metadata.yaml"), []byte(": not yaml: ["), 0644))
	writeMetadata(t, filepath.Join(root, "ok"), "name: ok\nvertical: secrets\n")

	r := New(nil)
	defs, err := r.Discover(root)
	require.NoError(t, err)
	assert.Len(t, defs, 1)
	assert.Contains(t, defs, "ok")
}

func TestIsFuzzing_NameHeuristic(t *testing.T) {
	def := WorkflowDefinition{Name: "afl_fuzz_target", Vertical: "fuzzing"}
	assert.True(t, def.IsFuzzing())
}

func TestIsFuzzing_TagDeclared(t *testing.T) {
	def := WorkflowDefinition{Name: "coverage-guided-exploration", Tags: []string{"fuzzing", "vertical:security"}}
	assert.True(t, def.IsFuzzing())
}

func TestClear(t *testing.T) {
	root := t.TempDir()
	writeMetadata(t, filepath.Join(root, "ok"), "name: ok\nvertical: secrets\n")

	r := New(nil)
	_, err := r.Discover(root)
	require.NoError(t, err)
	require.NotEmpty(t, r.All())

	r.Clear()
	assert.Empty(t, r.All())
}
