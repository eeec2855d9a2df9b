package workflow

import (
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/knowaveragejoe/discord-comfyui/internal/graph"
)

// MissingNodeError reports a descriptor requirement no node satisfied. Slot is
// "model" for the model node or the prompt slot name otherwise.
type MissingNodeError struct {
	Slot string
}

func (e *MissingNodeError) Error() string {
	return fmt.Sprintf("workflow is missing required node for %q", e.Slot)
}

// ShapeError reports a document that failed basic shape validation before any
// structural checks ran.
type ShapeError struct {
	Err error
}

func (e *ShapeError) Error() string {
	return fmt.Sprintf("graph document has invalid shape: %v", e.Err)
}

func (e *ShapeError) Unwrap() error { return e.Err }

// Validator checks rendered documents against one descriptor.
type Validator struct {
	desc  Descriptor
	shape *jsonschema.Schema
}

// NewValidator validates the descriptor once and compiles the document shape
// schema. The returned validator is safe for concurrent use.
func NewValidator(desc Descriptor) (*Validator, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}

	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource("graph.json", strings.NewReader(graphSchemaJSON)); err != nil {
		return nil, fmt.Errorf("add graph schema: %w", err)
	}
	shape, err := compiler.Compile("graph.json")
	if err != nil {
		return nil, fmt.Errorf("compile graph schema: %w", err)
	}

	return &Validator{desc: desc, shape: shape}, nil
}

// Validate confirms the document shape and that every node the descriptor
// requires is present. When several nodes qualify for a requirement the first
// match wins; match order follows map iteration and is not stable across
// documents, so callers must not rely on which duplicate is chosen.
func (v *Validator) Validate(doc graph.Document) error {
	if err := v.shape.Validate(toPlain(doc)); err != nil {
		return &ShapeError{Err: err}
	}

	if _, ok := v.findNode(doc, v.desc.Model); !ok {
		return &MissingNodeError{Slot: "model"}
	}
	for slot, ref := range v.desc.Prompts {
		if _, ok := v.findNode(doc, ref); !ok {
			return &MissingNodeError{Slot: slot}
		}
	}
	return nil
}

// ModelName reads the model name at the descriptor's model path. Returns ""
// when no node matches or the path does not resolve; after a successful
// Validate that should not occur.
func (v *Validator) ModelName(doc graph.Document) string {
	node, ok := v.findNode(doc, v.desc.Model)
	if !ok {
		return ""
	}
	value, err := graph.Get(node, v.desc.Model.path())
	if err != nil {
		return ""
	}
	name, _ := value.(string)
	return name
}

// SetPrompt writes text at the slot's path inside the first node matching the
// slot's reference, mutating the document in place. Unknown slot names are a
// no-op.
func (v *Validator) SetPrompt(doc graph.Document, slot, text string) {
	ref, ok := v.desc.Prompts[slot]
	if !ok {
		return
	}
	node, ok := v.findNode(doc, ref)
	if !ok {
		return
	}
	graph.Set(map[string]any(node), ref.path(), text)
}

// NodeDescriptions returns one human-readable line per node, sorted by node
// identifier.
func (v *Validator) NodeDescriptions(doc graph.Document) []string {
	ids := make([]string, 0, len(doc))
	for id := range doc {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	descriptions := make([]string, 0, len(ids))
	for _, id := range ids {
		node := doc[id]
		descriptions = append(descriptions, fmt.Sprintf("Node %s: %s - %s", id, node.ClassType(), node.Title()))
	}
	return descriptions
}

func (v *Validator) findNode(doc graph.Document, ref NodeRef) (graph.Node, bool) {
	for _, node := range doc {
		if node.ClassType() != ref.ClassType {
			continue
		}
		if ref.TitleContains != "" && !strings.Contains(node.Title(), ref.TitleContains) {
			continue
		}
		return node, true
	}
	return nil, false
}

// toPlain converts a Document to the plain map/slice types the schema
// validator accepts.
func toPlain(doc graph.Document) map[string]any {
	plain := make(map[string]any, len(doc))
	for id, node := range doc {
		plain[id] = map[string]any(node)
	}
	return plain
}
