// Package registry loads document-type descriptors and response rules from a
// declarative YAML file. The registry is immutable once loaded.
package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// Family selects how a request is generated before conversion.
type Family string

const (
	FamilyPlain    Family = "plain"    // convert only
	FamilySigned   Family = "signed"   // detached signature over the document
	FamilyPackaged Family = "packaged" // description + signed attachment archive + rewritten body
)

// NeedsSigner reports whether requests of this family call the signer.
func (f Family) NeedsSigner() bool { return f == FamilySigned || f == FamilyPackaged }

// Descriptor describes one document type, keyed by its XML namespace.
type Descriptor struct {
	Namespace   string   `yaml:"namespace"`
	Name        string   `yaml:"name"`
	DailyQuota  int      `yaml:"daily_quota"`
	TimeoutDays int      `yaml:"timeout_days"`
	Priority    int      `yaml:"priority"`
	Family      Family   `yaml:"family"`
	KeyAlias    string   `yaml:"key_alias"`
	Keywords    []string `yaml:"keywords"`
	DocumentKey string   `yaml:"document_key"`
}

// InboundRequestRule marks responses that are requests to be answered. Each
// Container element is answered separately; DocumentKey and Attachment name
// child elements of the container.
type InboundRequestRule struct {
	Namespace   string `yaml:"namespace"`
	Element     string `yaml:"element"`
	Container   string `yaml:"container"`
	DocumentKey string `yaml:"document_key"`
	Attachment  string `yaml:"attachment"`
}

// BusinessProgressRule marks primary messages that only annotate progress.
// With Codes set, the rule matches only when CodeElement holds one of them.
// Element names are local names in Namespace.
type BusinessProgressRule struct {
	Namespace          string   `yaml:"namespace"`
	Element            string   `yaml:"element"`
	CodeElement        string   `yaml:"code_element"`
	Codes              []string `yaml:"codes"`
	DescriptionElement string   `yaml:"description_element"`
}

type ResponseRules struct {
	InboundRequests  []InboundRequestRule   `yaml:"inbound_requests"`
	BusinessProgress []BusinessProgressRule `yaml:"business_progress"`
}

type file struct {
	DocumentTypes []Descriptor  `yaml:"document_types"`
	Responses     ResponseRules `yaml:"responses"`
}

// Registry is safe for concurrent reads.
type Registry struct {
	byNamespace map[string]Descriptor
	tiers       []int
	responses   ResponseRules
}

// Load reads and validates a registry file.
func Load(path string) (*Registry, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}
	return Parse(b)
}

// Parse validates data against the registry schema and builds a Registry.
func Parse(data []byte) (*Registry, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse registry: %w", err)
	}
	if err := validate(raw); err != nil {
		return nil, err
	}
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode registry: %w", err)
	}

	r := &Registry{byNamespace: make(map[string]Descriptor, len(f.DocumentTypes)), responses: f.Responses}
	seen := map[int]struct{}{}
	for _, d := range f.DocumentTypes {
		if _, dup := r.byNamespace[d.Namespace]; dup {
			return nil, fmt.Errorf("registry: duplicate namespace %q", d.Namespace)
		}
		if d.Family == "" {
			d.Family = FamilyPlain
		}
		r.byNamespace[d.Namespace] = d
		if _, ok := seen[d.Priority]; !ok {
			seen[d.Priority] = struct{}{}
			r.tiers = append(r.tiers, d.Priority)
		}
	}
	sort.Ints(r.tiers)
	return r, nil
}

// Lookup resolves a descriptor by namespace.
func (r *Registry) Lookup(namespace string) (Descriptor, bool) {
	if r == nil {
		return Descriptor{}, false
	}
	d, ok := r.byNamespace[namespace]
	return d, ok
}

// Tiers returns the priority tiers in use, ascending.
func (r *Registry) Tiers() []int {
	if r == nil {
		return nil
	}
	return append([]int(nil), r.tiers...)
}

// MaxTier is the highest tier in use, or 0 when nothing is loaded.
func (r *Registry) MaxTier() int {
	if r == nil || len(r.tiers) == 0 {
		return 0
	}
	return r.tiers[len(r.tiers)-1]
}

func (r *Registry) Responses() ResponseRules {
	if r == nil {
		return ResponseRules{}
	}
	return r.responses
}

const schemaJSON = `{
  "type": "object",
  "required": ["document_types"],
  "properties": {
    "document_types": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["namespace", "name", "daily_quota", "timeout_days", "priority"],
        "properties": {
          "namespace":    {"type": "string", "minLength": 1},
          "name":         {"type": "string"},
          "daily_quota":  {"type": "integer", "minimum": 1},
          "timeout_days": {"type": "integer", "minimum": 0},
          "priority":     {"type": "integer", "minimum": 1},
          "family":       {"enum": ["plain", "signed", "packaged"]},
          "key_alias":    {"type": "string"},
          "keywords":     {"type": "array", "items": {"type": "string"}},
          "document_key": {"type": "string"}
        },
        "additionalProperties": false
      }
    },
    "responses": {
      "type": "object",
      "properties": {
        "inbound_requests": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["namespace", "element", "container"],
            "properties": {
              "namespace":    {"type": "string"},
              "element":      {"type": "string"},
              "container":    {"type": "string"},
              "document_key": {"type": "string"},
              "attachment":   {"type": "string"}
            },
            "additionalProperties": false
          }
        },
        "business_progress": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["namespace", "element"],
            "properties": {
              "namespace":    {"type": "string"},
              "element":      {"type": "string"},
              "code_element": {"type": "string"},
              "codes":        {"type": "array", "items": {"type": "string"}},
              "description_element": {"type": "string"}
            },
            "additionalProperties": false
          }
        }
      },
      "additionalProperties": false
    }
  }
}`

// validate checks the decoded YAML against the registry schema. The value is
// round-tripped through JSON so numbers reach the validator as JSON numbers.
func validate(raw any) error {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("registry.json", bytes.NewReader([]byte(schemaJSON))); err != nil {
		return fmt.Errorf("add schema: %w", err)
	}
	schema, err := compiler.Compile("registry.json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("registry is not JSON-compatible: %w", err)
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return fmt.Errorf("unmarshal registry: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("registry does not match schema: %w", err)
	}
	return nil
}
