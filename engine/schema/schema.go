// Package schema validates extraction output against a static ontology
// contract: known node labels with required/allowed properties, an
// allow-list of relationship types, and three "additional_*_allowed"
// escape-hatch flags.
package schema

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/onec-graphrag/indexer/internal/model"
)

// ValidationError is fatal to the job that produced it (§7).
type ValidationError struct {
	Message string
	Source  string
}

func (e *ValidationError) Error() string {
	if e.Source != "" {
		return fmt.Sprintf("%s (source: %s)", e.Message, e.Source)
	}
	return e.Message
}

type propertySpec struct {
	Name     string `json:"name"`
	Required bool   `json:"required"`
}

type nodeTypeSpec struct {
	Label      string         `json:"label"`
	Properties []propertySpec `json:"properties"`
}

type ontologyFile struct {
	NodeTypes                   []nodeTypeSpec `json:"node_types"`
	RelationshipTypes           []string       `json:"relationship_types"`
	AdditionalNodeTypes         *bool          `json:"additional_node_types"`
	AdditionalRelationshipTypes *bool          `json:"additional_relationship_types"`
	AdditionalPropertiesAllowed *bool          `json:"additional_properties_allowed"`
}

type nodeSpec struct {
	required map[string]bool
	allowed  map[string]bool
}

// Validator enforces the loaded ontology against ExtractionResults.
type Validator struct {
	nodeSpecs                   map[string]nodeSpec
	allowedRelationships        map[string]bool
	additionalNodeTypes         bool
	additionalRelationshipTypes bool
	additionalPropertiesAllowed bool
	logger                      *slog.Logger
}

// LoadFile loads the ontology JSON at path.
func LoadFile(path string, logger *slog.Logger) (*Validator, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("schema: read %s: %w", path, err)
	}
	return Load(raw, logger)
}

// Load parses ontology JSON bytes directly (used by tests and by LoadFile).
func Load(raw []byte, logger *slog.Logger) (*Validator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var doc ontologyFile
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("schema: parse ontology: %w", err)
	}

	v := &Validator{
		nodeSpecs:                   map[string]nodeSpec{},
		allowedRelationships:        map[string]bool{},
		additionalNodeTypes:         boolOr(doc.AdditionalNodeTypes, true),
		additionalRelationshipTypes: boolOr(doc.AdditionalRelationshipTypes, true),
		additionalPropertiesAllowed: boolOr(doc.AdditionalPropertiesAllowed, true),
		logger:                      logger,
	}
	for _, nt := range doc.NodeTypes {
		spec := nodeSpec{required: map[string]bool{}, allowed: map[string]bool{}}
		for _, p := range nt.Properties {
			spec.allowed[p.Name] = true
			if p.Required {
				spec.required[p.Name] = true
			}
		}
		v.nodeSpecs[nt.Label] = spec
	}
	for _, rt := range doc.RelationshipTypes {
		v.allowedRelationships[rt] = true
	}
	return v, nil
}

func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}

// Validate checks every node, edge, and text unit in extraction, failing
// fast with a *ValidationError on the first violation.
func (v *Validator) Validate(extraction model.ExtractionResult, source string) error {
	for _, node := range extraction.Nodes {
		if err := v.validateNode(node, source); err != nil {
			return err
		}
	}
	for _, edge := range extraction.Edges {
		if err := v.validateEdge(edge, source); err != nil {
			return err
		}
	}
	for _, tu := range extraction.TextUnits {
		if err := v.validateTextUnit(tu, source); err != nil {
			return err
		}
	}
	return nil
}

func (v *Validator) validateNode(node model.GraphNode, source string) error {
	spec, ok := v.nodeSpecs[node.Label]
	if !ok {
		if v.additionalNodeTypes {
			return nil
		}
		return v.fail(fmt.Sprintf("unknown node label '%s'", node.Label), source)
	}

	if !v.additionalPropertiesAllowed {
		for prop := range node.Properties {
			if !spec.allowed[prop] {
				v.logger.Error("schema_validation_failed", "label", node.Label, "unknown_property", prop, "source", source)
				return v.fail(fmt.Sprintf("node '%s' contains unsupported property '%s'", node.Label, prop), source)
			}
		}
	}

	for required := range spec.required {
		val, present := node.Properties[required]
		if !present || isEmptyValue(val) {
			v.logger.Error("schema_validation_failed", "label", node.Label, "missing_property", required, "source", source)
			return v.fail(fmt.Sprintf("node '%s' missing required property '%s'", node.Label, required), source)
		}
	}
	return nil
}

func isEmptyValue(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return s == ""
	}
	return false
}

func (v *Validator) validateEdge(edge model.GraphEdge, source string) error {
	if !v.allowedRelationships[edge.Type] {
		if v.additionalRelationshipTypes {
			return nil
		}
		return v.fail(fmt.Sprintf("unknown relationship type '%s'", edge.Type), source)
	}
	if edge.Start.Key == "" || edge.End.Key == "" {
		return v.fail("edge must have start and end node keys", source)
	}
	return nil
}

func (v *Validator) validateTextUnit(tu model.TextUnit, source string) error {
	if tu.Path == "" {
		return v.fail("text unit missing required file path", source)
	}
	return nil
}

func (v *Validator) fail(message, source string) error {
	v.logger.Error("schema_validation_failed", "message", message, "source", source)
	return &ValidationError{Message: message, Source: source}
}
