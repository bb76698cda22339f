package validation

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/flowsync/pkg/schema"
)

const snapshotSchemaURL = "https://flowsync.dev/schemas/snapshot.json"

// snapshotSchemaJSON describes the nodes/edges projection exchanged with the
// editor. Unknown properties are allowed: the editor stores render state
// (selected, measured, ...) next to the fields flowsync understands.
const snapshotSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://flowsync.dev/schemas/snapshot.json",
  "type": "object",
  "required": ["nodes", "edges"],
  "properties": {
    "nodes": {
      "type": "array",
      "items": { "$ref": "#/$defs/node" }
    },
    "edges": {
      "type": "array",
      "items": { "$ref": "#/$defs/edge" }
    }
  },
  "$defs": {
    "node": {
      "type": "object",
      "required": ["id"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "type": { "type": "string" },
        "position": {
          "type": "object",
          "required": ["x", "y"],
          "properties": {
            "x": { "type": "number" },
            "y": { "type": "number" }
          }
        },
        "data": {
          "type": "object",
          "properties": {
            "label": { "type": "string" },
            "type": { "type": "string" },
            "expression": { "type": "string" }
          }
        }
      }
    },
    "edge": {
      "type": "object",
      "required": ["id", "source", "target"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "source": { "type": "string", "minLength": 1 },
        "target": { "type": "string", "minLength": 1 },
        "sourceHandle": { "type": ["string", "null"] },
        "targetHandle": { "type": ["string", "null"] },
        "type": { "type": "string" },
        "label": { "type": "string" }
      }
    }
  }
}`

// SnapshotValidator checks raw snapshot JSON against the snapshot schema.
// It is safe for concurrent use.
type SnapshotValidator struct {
	schema *jsonschema.Schema
}

// NewSnapshotValidator compiles the snapshot schema.
func NewSnapshotValidator() (*SnapshotValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(snapshotSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal snapshot schema: %w", err)
	}
	if err := c.AddResource(snapshotSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add snapshot schema resource: %w", err)
	}
	sch, err := c.Compile(snapshotSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile snapshot schema: %w", err)
	}
	return &SnapshotValidator{schema: sch}, nil
}

// ValidateJSON validates raw snapshot JSON.
func (v *SnapshotValidator) ValidateJSON(raw json.RawMessage) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "snapshot is empty")
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "snapshot is not valid JSON").WithCause(err)
	}
	if err := v.schema.Validate(doc); err != nil {
		return toSyncError(err)
	}
	return nil
}

// ValidateSnapshot validates a decoded snapshot.
func (v *SnapshotValidator) ValidateSnapshot(snap schema.Snapshot) error {
	if snap.Nodes == nil {
		snap.Nodes = []schema.NodeRecord{}
	}
	if snap.Edges == nil {
		snap.Edges = []schema.EdgeRecord{}
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize snapshot").WithCause(err)
	}
	return v.ValidateJSON(raw)
}

// toSyncError flattens a jsonschema.ValidationError into a SyncError whose
// details list every leaf violation.
func toSyncError(err error) *schema.SyncError {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	switch len(violations) {
	case 0:
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	case 1:
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}
	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
