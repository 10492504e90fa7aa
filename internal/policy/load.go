package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Document is the on-disk shape of an approved policy set handed over by the
// policy-authoring subsystem.
type Document struct {
	Policies []Policy `yaml:"policies"`
}

// Parse decodes and validates a policy document. Policy order in the document
// is the matching order.
func Parse(data []byte) ([]Policy, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse policy document: %w", err)
	}
	for i := range doc.Policies {
		if err := doc.Policies[i].Validate(); err != nil {
			return nil, fmt.Errorf("invalid policy document: %w", err)
		}
	}
	return doc.Policies, nil
}

// LoadFile reads and parses a policy document from disk.
func LoadFile(path string) ([]Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	return Parse(data)
}

// Split partitions policies by action, preserving order within each action.
// Dismiss and resolve runs consume disjoint policy sets.
func Split(policies []Policy) (dismiss, resolve []Policy) {
	for _, p := range policies {
		switch p.Action {
		case ActionDismiss:
			dismiss = append(dismiss, p)
		case ActionResolve:
			resolve = append(resolve, p)
		}
	}
	return dismiss, resolve
}
