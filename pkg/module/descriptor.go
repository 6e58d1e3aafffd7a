package module

import (
	"fmt"
	"strings"
	"time"
)

// DescriptorFileExt is the extension module descriptor files carry.
const DescriptorFileExt = ".json"

// ToolDef declares one tool a module contributes: the name it is invoked
// by, an operator-facing description, and the JSON schema its arguments
// must satisfy.
type ToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

// Descriptor is the on-disk declaration of a standalone tool module. It is
// the non-plugin "module file" unit: no code ships with it, the tools it
// names are served by the host itself.
type Descriptor struct {
	Name        string    `json:"name"`
	Category    string    `json:"category"`
	Version     string    `json:"version,omitempty"`
	Description string    `json:"description,omitempty"`
	Tools       []ToolDef `json:"tools"`
}

// ToolNames returns the declared tool names in declaration order.
func (d *Descriptor) ToolNames() []string {
	names := make([]string, 0, len(d.Tools))
	for _, tool := range d.Tools {
		names = append(names, tool.Name)
	}
	return names
}

// DescriptorSchema is the JSON schema every module descriptor must satisfy.
const DescriptorSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["name", "category", "tools"],
	"properties": {
		"name": {
			"type": "string",
			"pattern": "^[a-z0-9-]+$",
			"minLength": 1,
			"maxLength": 64
		},
		"category": {
			"type": "string",
			"minLength": 1,
			"maxLength": 64
		},
		"version": {
			"type": "string",
			"pattern": "^\\d+\\.\\d+\\.\\d+$"
		},
		"description": {
			"type": "string"
		},
		"tools": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["name"],
				"properties": {
					"name": {
						"type": "string",
						"pattern": "^[a-zA-Z0-9_-]+$",
						"minLength": 1,
						"maxLength": 64
					},
					"description": {
						"type": "string"
					},
					"inputSchema": {
						"type": "object"
					}
				},
				"additionalProperties": false
			}
		}
	},
	"additionalProperties": false
}`

// InvalidDescriptorError reports why a descriptor file was rejected, one
// violation per line.
type InvalidDescriptorError struct {
	Path       string
	Violations []string
}

func (e *InvalidDescriptorError) Error() string {
	return fmt.Sprintf("invalid module descriptor %s: %s", e.Path, strings.Join(e.Violations, "; "))
}

// Entry is one cached module: its parsed descriptor, the file it came
// from, and when it was (re)loaded.
type Entry struct {
	Descriptor *Descriptor
	Path       string
	LoadedAt   time.Time
}
