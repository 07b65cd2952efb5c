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

// Package registry implements workflow discovery (C2): sweeping a
// directory tree for workflow definitions, validating their metadata, and
// holding an immutable, atomically-swapped index by name.
package registry

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/crashwise/orchestrator/internal/log"
	"github.com/crashwise/orchestrator/internal/util"
)

// WorkflowDefinition is an immutable workflow registration, produced by a
// discovery sweep and never mutated in place.
type WorkflowDefinition struct {
	Name              string           `yaml:"name" json:"name"`
	Version           string           `yaml:"version" json:"version,omitempty"`
	Description       string           `yaml:"description" json:"description,omitempty"`
	Author            string           `yaml:"author" json:"author,omitempty"`
	Tags              []string         `yaml:"tags" json:"tags,omitempty"`
	Vertical          string           `yaml:"vertical" json:"vertical"`
	ParametersSchema  ParametersSchema `yaml:"parameters_schema" json:"parameters_schema"`
	DefaultParameters map[string]any   `yaml:"default_parameters" json:"default_parameters,omitempty"`
	RequiredModules   []string         `yaml:"required_modules" json:"required_modules,omitempty"`
	EntryType         string           `yaml:"entry_type" json:"entry_type"`
}

// ParametersSchema is a JSON-Schema-like description of a workflow's
// submission parameters: an ordered-by-file property map plus a required
// list, matching the shape workflow authors write in metadata.yaml.
type ParametersSchema struct {
	Properties map[string]ParameterProperty `yaml:"properties" json:"properties"`
	Required   []string                     `yaml:"required" json:"required,omitempty"`
	// Order preserves declaration order from the YAML document, since
	// positional argument marshalling (C3) depends on it.
	Order []string `yaml:"-" json:"order,omitempty"`
}

// ParameterProperty describes one parameter's declared type and default.
type ParameterProperty struct {
	Type    string `yaml:"type" json:"type"`
	Default any    `yaml:"default" json:"default,omitempty"`
}

// IsFuzzing reports whether this workflow should get a ProgressTrack (C7)
// initialised on submission: either its tags declare it, or (the looser,
// intentionally-retained heuristic) its name contains "fuzz".
func (d WorkflowDefinition) IsFuzzing() bool {
	if util.Contains(d.Tags, "fuzzing") {
		return true
	}
	return strings.Contains(d.Name, "fuzz")
}

// TaskQueue is the engine task queue this workflow's runs are dispatched on.
func (d WorkflowDefinition) TaskQueue() string {
	return d.Vertical + "-queue"
}

// defaultExcludes are skipped during discovery unless overridden.
var defaultExcludes = []string{".*", "_*", "node_modules"}

// Registry holds the current, atomically-swapped snapshot of discovered
// workflows. Reads never block on a sweep in progress: readers observe
// either the previous or the next snapshot, never a partial one.
type Registry struct {
	snapshot atomic.Pointer[map[string]WorkflowDefinition]
	logger   *slog.Logger
	excludes []string
}

// New creates an empty registry.
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = log.New(log.FromEnv())
	}
	r := &Registry{logger: log.WithComponent(logger, "registry"), excludes: defaultExcludes}
	empty := map[string]WorkflowDefinition{}
	r.snapshot.Store(&empty)
	return r
}

// Discover scans root for workflow directories and atomically replaces the
// registry's snapshot. A single malformed workflow is logged and excluded;
// it never aborts the sweep. Returns the empty map (never an error) when
// no workflows are found.
func (r *Registry) Discover(root string) (map[string]WorkflowDefinition, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			next := map[string]WorkflowDefinition{}
			r.snapshot.Store(&next)
			return next, nil
		}
		return nil, err
	}

	next := make(map[string]WorkflowDefinition)

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if r.excluded(e.Name()) {
			continue
		}

		dir := filepath.Join(root, e.Name())
		def, err := r.loadMetadata(dir)
		if err != nil {
			r.logger.Warn("skipping malformed workflow",
				slog.String("dir", dir), log.Error(err))
			continue
		}

		if def.Name == "" {
			r.logger.Warn("skipping workflow with missing name", slog.String("dir", dir))
			continue
		}
		if def.Vertical == "" {
			r.logger.Warn("skipping workflow missing vertical",
				slog.String("dir", dir), slog.String("name", def.Name))
			continue
		}

		if _, exists := next[def.Name]; exists {
			r.logger.Warn("duplicate workflow name, first writer wins",
				slog.String("name", def.Name), slog.String("dir", dir))
			continue
		}

		next[def.Name] = def
	}

	r.snapshot.Store(&next)
	return next, nil
}

func (r *Registry) excluded(name string) bool {
	for _, pattern := range r.excludes {
		if ok, _ := doublestar.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

func (r *Registry) loadMetadata(dir string) (WorkflowDefinition, error) {
	path := filepath.Join(dir, "metadata.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		return WorkflowDefinition{}, err
	}

	var def WorkflowDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return WorkflowDefinition{}, err
	}
	def.ParametersSchema.Order = propertyOrder(data)

	return def, nil
}

// propertyOrder re-parses the raw document to recover declaration order of
// parameters_schema.properties, which yaml.v3's map decoding loses but
// positional argument marshalling (C3) requires.
func propertyOrder(data []byte) []string {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil || len(doc.Content) == 0 {
		return nil
	}
	root := doc.Content[0]
	props := findMappingValue(root, "parameters_schema")
	if props == nil {
		return nil
	}
	props = findMappingValue(props, "properties")
	if props == nil || props.Kind != yaml.MappingNode {
		return nil
	}

	var order []string
	for i := 0; i+1 < len(props.Content); i += 2 {
		order = append(order, props.Content[i].Value)
	}
	return order
}

func findMappingValue(node *yaml.Node, key string) *yaml.Node {
	if node == nil || node.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			return node.Content[i+1]
		}
	}
	return nil
}

// Get returns the named definition from the current snapshot.
func (r *Registry) Get(name string) (WorkflowDefinition, bool) {
	m := *r.snapshot.Load()
	def, ok := m[name]
	return def, ok
}

// All returns a shallow copy of the current snapshot.
func (r *Registry) All() map[string]WorkflowDefinition {
	m := *r.snapshot.Load()
	out := make(map[string]WorkflowDefinition, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Names returns the currently registered workflow names, used as
// suggestions when a submission targets an unknown workflow.
func (r *Registry) Names() []string {
	m := *r.snapshot.Load()
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	return names
}

// Clear replaces the snapshot with the empty map. Called at the start of
// every bootstrap retry (C4) so a partial, stale snapshot is never
// observed mid-retry.
func (r *Registry) Clear() {
	empty := map[string]WorkflowDefinition{}
	r.snapshot.Store(&empty)
}

// MetadataSchema exposes the JSON-Schema-like shape workflow authors must
// follow in metadata.yaml.
func MetadataSchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []string{"name", "vertical"},
		"properties": map[string]any{
			"name":               map[string]any{"type": "string"},
			"version":            map[string]any{"type": "string"},
			"description":        map[string]any{"type": "string"},
			"author":             map[string]any{"type": "string"},
			"tags":               map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"vertical":           map[string]any{"type": "string"},
			"parameters_schema":  map[string]any{"type": "object"},
			"default_parameters": map[string]any{"type": "object"},
			"required_modules":   map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"entry_type":         map[string]any{"type": "string"},
		},
	}
}
