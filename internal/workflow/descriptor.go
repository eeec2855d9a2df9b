// Package workflow validates rendered graph documents against structural
// descriptors: which node kinds a workflow's output must contain and where
// inside those nodes the model name and prompt texts live.
package workflow

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// NodeRef declares how to locate one required node: its class_type, a dotted
// path into the node, and (for prompt slots) an optional substring that must
// occur in the node's _meta.title to disambiguate multiple nodes of the same
// kind.
type NodeRef struct {
	ClassType     string `yaml:"class_type"`
	Path          string `yaml:"path"`
	TitleContains string `yaml:"title_contains,omitempty"`
}

func (r NodeRef) path() []string {
	return strings.Split(r.Path, ".")
}

// Descriptor declares the structural requirements of one workflow: exactly
// one model node reference plus named prompt slots. Descriptors are validated
// once at load and treated as immutable afterwards.
type Descriptor struct {
	Model   NodeRef            `yaml:"model"`
	Prompts map[string]NodeRef `yaml:"prompts"`
}

// Validate checks the descriptor itself for completeness.
func (d *Descriptor) Validate() error {
	if d.Model.ClassType == "" {
		return fmt.Errorf("descriptor: model class_type is required")
	}
	if d.Model.Path == "" {
		return fmt.Errorf("descriptor: model path is required")
	}
	for slot, ref := range d.Prompts {
		if ref.ClassType == "" {
			return fmt.Errorf("descriptor: prompt slot %q: class_type is required", slot)
		}
		if ref.Path == "" {
			return fmt.Errorf("descriptor: prompt slot %q: path is required", slot)
		}
	}
	return nil
}

// descriptorFile is the on-disk shape of the workflow configuration.
type descriptorFile struct {
	Workflows map[string]Descriptor `yaml:"workflows"`
}

// LoadFile reads workflow descriptors keyed by workflow name from a YAML file
// and validates each one.
func LoadFile(path string) (map[string]Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow config: %w", err)
	}

	var file descriptorFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse workflow config %q: %w", path, err)
	}
	if len(file.Workflows) == 0 {
		return nil, fmt.Errorf("workflow config %q declares no workflows", path)
	}

	for name, desc := range file.Workflows {
		if err := desc.Validate(); err != nil {
			return nil, fmt.Errorf("workflow %q: %w", name, err)
		}
	}
	return file.Workflows, nil
}
