package schema

import (
	"testing"

	"github.com/onec-graphrag/indexer/internal/model"
)

const strictOntology = `{
  "node_types": [
    {"label": "Module", "properties": [{"name": "name", "required": true}, {"name": "kind", "required": false}]}
  ],
  "relationship_types": ["HAS_MODULE"],
  "additional_node_types": false,
  "additional_relationship_types": false,
  "additional_properties_allowed": false
}`

func mustLoad(t *testing.T, raw string) *Validator {
	t.Helper()
	v, err := Load([]byte(raw), nil)
	if err != nil {
		t.Fatalf("load ontology: %v", err)
	}
	return v
}

func TestValidate_AcceptsKnownLabelWithRequiredProps(t *testing.T) {
	v := mustLoad(t, strictOntology)
	result := model.ExtractionResult{
		Nodes: []model.GraphNode{{Label: "Module", Key: map[string]string{"guid": "g1"}, Properties: map[string]any{"name": "Foo"}}},
	}
	if err := v.Validate(result, "a.bsl"); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
}

func TestValidate_RejectsUnknownLabelWhenAdditionalNodeTypesFalse(t *testing.T) {
	v := mustLoad(t, strictOntology)
	result := model.ExtractionResult{
		Nodes: []model.GraphNode{{Label: "Object", Key: map[string]string{"qualified_name": "x"}}},
	}
	err := v.Validate(result, "a.bsl")
	if err == nil {
		t.Fatal("expected a validation error for the unknown label")
	}
	if _, ok := err.(*ValidationError); !ok {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
}

func TestValidate_RejectsMissingRequiredProperty(t *testing.T) {
	v := mustLoad(t, strictOntology)
	result := model.ExtractionResult{
		Nodes: []model.GraphNode{{Label: "Module", Key: map[string]string{"guid": "g1"}, Properties: map[string]any{}}},
	}
	err := v.Validate(result, "a.bsl")
	if err == nil {
		t.Fatal("expected a validation error for the missing required property")
	}
}

func TestValidate_RejectsUnsupportedPropertyWhenAdditionalPropertiesFalse(t *testing.T) {
	v := mustLoad(t, strictOntology)
	result := model.ExtractionResult{
		Nodes: []model.GraphNode{{Label: "Module", Key: map[string]string{"guid": "g1"}, Properties: map[string]any{"name": "Foo", "extra": "nope"}}},
	}
	err := v.Validate(result, "a.bsl")
	if err == nil {
		t.Fatal("expected a validation error for the unsupported property")
	}
}

func TestValidate_RejectsUnknownRelationshipType(t *testing.T) {
	v := mustLoad(t, strictOntology)
	start := model.NewNodeKey("Module", map[string]string{"guid": "g1"})
	end := model.NewNodeKey("Module", map[string]string{"guid": "g2"})
	result := model.ExtractionResult{
		Edges: []model.GraphEdge{{Start: start, Type: "UNKNOWN_REL", End: end}},
	}
	if err := v.Validate(result, "a.bsl"); err == nil {
		t.Fatal("expected a validation error for the unknown relationship type")
	}
}

func TestValidate_RejectsTextUnitWithoutPath(t *testing.T) {
	v := mustLoad(t, strictOntology)
	result := model.ExtractionResult{TextUnits: []model.TextUnit{{Text: "body"}}}
	if err := v.Validate(result, "a.bsl"); err == nil {
		t.Fatal("expected a validation error for the text unit missing a path")
	}
}

func TestValidate_PermissiveOntologyAcceptsAnything(t *testing.T) {
	v, err := Load([]byte(`{"node_types": [], "relationship_types": []}`), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	result := model.ExtractionResult{
		Nodes:     []model.GraphNode{{Label: "Whatever", Key: map[string]string{"k": "v"}, Properties: map[string]any{"anything": "goes"}}},
		TextUnits: []model.TextUnit{{Text: "body", Path: "a.txt"}},
	}
	if err := v.Validate(result, "a.txt"); err != nil {
		t.Fatalf("expected permissive ontology (additional_* defaults to true) to accept anything, got %v", err)
	}
}

func TestLoad_RejectsInvalidJSON(t *testing.T) {
	if _, err := Load([]byte("not json"), nil); err == nil {
		t.Fatal("expected an error parsing invalid ontology JSON")
	}
}

func TestValidationError_MessageIncludesSource(t *testing.T) {
	err := &ValidationError{Message: "boom", Source: "a.bsl"}
	if got := err.Error(); got != "boom (source: a.bsl)" {
		t.Fatalf("unexpected error string: %q", got)
	}
}
