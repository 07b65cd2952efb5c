package submission

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crashwise/orchestrator/internal/audit"
	"github.com/crashwise/orchestrator/internal/cache"
	"github.com/crashwise/orchestrator/internal/registry"
	"github.com/crashwise/orchestrator/internal/tracing"
	cwerrors "github.com/crashwise/orchestrator/pkg/errors"
)

type fakeUploader struct {
	targetID string
	err      error
	gotOwner string
	gotMeta  cache.TargetMetadata
}

func (f *fakeUploader) UploadTarget(ctx context.Context, localPath, owner string, meta cache.TargetMetadata) (string, error) {
	f.gotOwner = owner
	f.gotMeta = meta
	return f.targetID, f.err
}

type fakeStarter struct {
	err     error
	gotArgs []any
}

func (f *fakeStarter) Start(ctx context.Context, entryType, runID, taskQueue string, args []any) error {
	f.gotArgs = args
	return f.err
}

type fakeProgress struct {
	initCalled bool
}

func (f *fakeProgress) Init(runID, workflowName string) {
	f.initCalled = true
}

func newTestRegistry(t *testing.T, def registry.WorkflowDefinition) *registry.Registry {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, def.Name)
	require.NoError(t, os.MkdirAll(dir, 0755))

	var params string
	for _, key := range def.ParametersSchema.Order {
		params += fmt.Sprintf("    %s:\n      type: string\n", key)
	}
	var defaults string
	for k, v := range def.DefaultParameters {
		defaults += fmt.Sprintf("  %s: %v\n", k, v)
	}

	content := fmt.Sprintf(
		"name: %s\nvertical: %s\nentry_type: %s\nparameters_schema:\n  properties:\n%sdefault_parameters:\n%s",
		def.Name, def.Vertical, def.EntryType, params, defaults,
	)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "metadata.yaml"), []byte(content), 0644))

	r := registry.New(nil)
	_, err := r.Discover(root)
	require.NoError(t, err)
	return r
}

func TestSubmit_RejectedWhileDraining(t *testing.T) {
	def := registry.WorkflowDefinition{Name: "gitleaks_detection", Vertical: "secrets", EntryType: "GitleaksDetectionWorkflow"}
	r := newTestRegistry(t, def)

	p := &Pipeline{Registry: r, Cache: &fakeUploader{}, Engine: &fakeStarter{}, Progress: &fakeProgress{}}
	p.StartDraining()
	assert.True(t, p.IsDraining())

	_, err := p.Submit(context.Background(), Request{
		WorkflowName: "gitleaks_detection",
		Tarball:      strings.NewReader("data"),
	})
	require.Error(t, err)
}

func TestSubmit_UnknownWorkflow(t *testing.T) {
	r := registry.New(nil)
	p := &Pipeline{Registry: r, Cache: &fakeUploader{}, Engine: &fakeStarter{}, Progress: &fakeProgress{}}

	_, err := p.Submit(context.Background(), Request{
		WorkflowName: "nope",
		Tarball:      strings.NewReader("data"),
	})
	require.Error(t, err)
	var nf *cwerrors.WorkflowNotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestSubmit_SmallUploadSucceeds(t *testing.T) {
	def := registry.WorkflowDefinition{Name: "gitleaks_detection", Vertical: "secrets", EntryType: "GitleaksDetectionWorkflow"}
	r := newTestRegistry(t, def)

	p := &Pipeline{Registry: r, Cache: &fakeUploader{}, Engine: &fakeStarter{}, Progress: &fakeProgress{}}

	small := bytes.Repeat([]byte{0}, 10)
	_, err := p.Submit(context.Background(), Request{
		WorkflowName: "gitleaks_detection",
		Tarball:      bytes.NewReader(small),
	})
	require.NoError(t, err)
}

func TestSpoolToTemp_AbortsOverCapAndDeletesPartialFile(t *testing.T) {
	big := bytes.Repeat([]byte{1}, 100)
	path, n, err := spoolToTemp(bytes.NewReader(big), 10)
	if path != "" {
		defer os.Remove(path)
	}
	require.Error(t, err)
	var tooLarge *cwerrors.FileTooLargeError
	require.ErrorAs(t, err, &tooLarge)
	assert.Empty(t, path)
	assert.Greater(t, n, int64(10))
}

func TestSpoolToTemp_UnderCapSucceeds(t *testing.T) {
	small := bytes.Repeat([]byte{1}, 5)
	path, n, err := spoolToTemp(bytes.NewReader(small), 10)
	require.NoError(t, err)
	defer os.Remove(path)
	assert.EqualValues(t, 5, n)

	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, small, contents)
}

func TestSubmit_HappyPath_InitsProgressForFuzzingWorkflow(t *testing.T) {
	def := registry.WorkflowDefinition{
		Name: "afl_fuzz_target", Vertical: "fuzzing", EntryType: "AflFuzzWorkflow",
		DefaultParameters: map[string]any{"scan_mode": "detect"},
		ParametersSchema:  registry.ParametersSchema{Order: []string{"scan_mode"}},
	}
	r := newTestRegistry(t, def)

	uploader := &fakeUploader{targetID: "target-abc"}
	starter := &fakeStarter{}
	prog := &fakeProgress{}

	p := &Pipeline{Registry: r, Cache: uploader, Engine: starter, Progress: prog}

	result, err := p.Submit(context.Background(), Request{
		WorkflowName: "afl_fuzz_target",
		Tarball:      strings.NewReader("payload"),
		Owner:        "alice",
		Channel:      "upload-and-submit",
	})
	require.NoError(t, err)
	assert.Equal(t, "RUNNING", result.Status)
	assert.True(t, strings.HasPrefix(result.RunID, "afl_fuzz_target-"))
	assert.True(t, prog.initCalled)
	assert.Equal(t, []any{"target-abc", "detect"}, starter.gotArgs)
	assert.Equal(t, "alice", uploader.gotOwner)
}

func TestSubmit_RecordsCorrelationIDFromContextOnAuditRow(t *testing.T) {
	def := registry.WorkflowDefinition{Name: "gitleaks_detection", Vertical: "secrets", EntryType: "GitleaksDetectionWorkflow"}
	r := newTestRegistry(t, def)

	auditLog, err := audit.Open(":memory:")
	require.NoError(t, err)
	defer auditLog.Close()

	p := &Pipeline{
		Registry: r,
		Cache:    &fakeUploader{targetID: "target-corr"},
		Engine:   &fakeStarter{},
		Progress: &fakeProgress{},
		Audit:    auditLog,
	}

	corrID := tracing.NewCorrelationID()
	ctx := tracing.ToContext(context.Background(), corrID)

	result, err := p.Submit(ctx, Request{
		WorkflowName: "gitleaks_detection",
		Tarball:      strings.NewReader("payload"),
		Owner:        "alice",
		Channel:      "upload-and-submit",
	})
	require.NoError(t, err)

	rec, ok, err := auditLog.ByRunID(context.Background(), result.RunID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, corrID.String(), rec.CorrelationID)
}

func TestSubmit_UserParamsOverrideDefaults(t *testing.T) {
	def := registry.WorkflowDefinition{
		Name: "gitleaks_detection", Vertical: "secrets", EntryType: "GitleaksDetectionWorkflow",
		DefaultParameters: map[string]any{"scan_mode": "detect"},
		ParametersSchema:  registry.ParametersSchema{Order: []string{"scan_mode"}},
	}
	r := newTestRegistry(t, def)

	starter := &fakeStarter{}
	p := &Pipeline{Registry: r, Cache: &fakeUploader{targetID: "t1"}, Engine: starter, Progress: &fakeProgress{}}

	_, err := p.Submit(context.Background(), Request{
		WorkflowName: "gitleaks_detection",
		Tarball:      strings.NewReader("x"),
		UserParams:   map[string]any{"scan_mode": "deep"},
	})
	require.NoError(t, err)
	assert.Equal(t, []any{"t1", "deep"}, starter.gotArgs)
}

func TestEffectiveParams_UserWinsOnConflict(t *testing.T) {
	out := effectiveParams(map[string]any{"a": 1, "b": 2}, map[string]any{"b": 3})
	assert.Equal(t, map[string]any{"a": 1, "b": 3}, out)
}

func TestNewRunID_HasWorkflowPrefixAnd8HexSuffix(t *testing.T) {
	id, err := newRunID("gitleaks_detection")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, "gitleaks_detection-"))
	suffix := strings.TrimPrefix(id, "gitleaks_detection-")
	assert.Len(t, suffix, 8)
}
