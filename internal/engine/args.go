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

package engine

import "github.com/crashwise/orchestrator/internal/registry"

// BuildArgs assembles the positional argument list Start expects:
// [target_id, param_1, param_2, ...] in the order that
// parameters_schema.properties enumerates in metadata.yaml. Keys whose name
// ends in "_config" and whose merged value is nil are coerced to an empty
// mapping, since the workflow's typed parameter structs expect a mapping,
// never a null, at that position.
func BuildArgs(targetID string, schema registry.ParametersSchema, params map[string]any) []any {
	args := make([]any, 0, len(schema.Order)+1)
	args = append(args, targetID)

	for _, key := range schema.Order {
		v, ok := params[key]
		if (!ok || v == nil) && hasConfigSuffix(key) {
			v = map[string]any{}
		}
		args = append(args, v)
	}

	return args
}

func hasConfigSuffix(key string) bool {
	const suffix = "_config"
	return len(key) >= len(suffix) && key[len(key)-len(suffix):] == suffix
}
