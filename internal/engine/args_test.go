package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/crashwise/orchestrator/internal/registry"
)

func TestBuildArgs_OrderAndConfigCoercion(t *testing.T) {
	schema := registry.ParametersSchema{Order: []string{"scan_mode", "fuzzer_config", "redact"}}
	params := map[string]any{
		"scan_mode": "detect",
		"redact":    true,
	}

	args := BuildArgs("target-abc123", schema, params)

	assert.Equal(t, []any{
		"target-abc123",
		"detect",
		map[string]any{},
		true,
	}, args)
}

func TestBuildArgs_ExplicitNilConfigCoerced(t *testing.T) {
	schema := registry.ParametersSchema{Order: []string{"fuzzer_config"}}
	params := map[string]any{"fuzzer_config": nil}

	args := BuildArgs("target-1", schema, params)

	assert.Equal(t, []any{"target-1", map[string]any{}}, args)
}

func TestBuildArgs_NonConfigMissingStaysNil(t *testing.T) {
	schema := registry.ParametersSchema{Order: []string{"scan_mode"}}

	args := BuildArgs("target-1", schema, map[string]any{})

	assert.Equal(t, []any{"target-1", nil}, args)
}
