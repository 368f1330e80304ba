package stack

import (
	"fmt"
	"slices"
	"strings"

	"github.com/savaki/chatbot-deployer/internal/constants"
	"github.com/savaki/chatbot-deployer/internal/errors"
	"gopkg.in/yaml.v3"
)

// Template is a parsed CloudFormation template. Only the declared parameter
// and output names are extracted; the body is submitted verbatim.
type Template struct {
	Body       string
	Parameters []string
	Outputs    []string

	// Document is the template decoded into plain maps and slices with
	// short-form intrinsics expanded, e.g. !Ref x becomes {"Ref": "x"}.
	Document map[string]any
}

// LoadTemplate reads the template at path and checks that it declares every
// parameter the deployer supplies. JSON templates are accepted since JSON is
// valid YAML.
func LoadTemplate(path string) (*Template, error) {
	data, err := readTemplate(path)
	if err != nil {
		return nil, err
	}

	template, err := ParseTemplate(data)
	if err != nil {
		return nil, fmt.Errorf("%w: template %s: %v", errors.ErrMissingInput, path, err)
	}

	var missing []string
	for _, name := range constants.RequiredParameters {
		if !slices.Contains(template.Parameters, name) {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: template %s does not declare parameters %v", errors.ErrMissingInput, path, missing)
	}

	return template, nil
}

// ParseTemplate extracts parameter and output names from a template body.
// Intrinsic function tags such as !Ref are preserved as-is by decoding into
// yaml.Node rather than native types.
func ParseTemplate(data []byte) (*Template, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse template: %w", err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return nil, fmt.Errorf("template must be a mapping")
	}

	root := doc.Content[0]
	document, _ := decodeNode(root).(map[string]any)
	return &Template{
		Body:       string(data),
		Parameters: sectionKeys(root, "Parameters"),
		Outputs:    sectionKeys(root, "Outputs"),
		Document:   document,
	}, nil
}

func decodeNode(n *yaml.Node) any {
	if isIntrinsic(n.Tag) {
		return intrinsic(n)
	}

	switch n.Kind {
	case yaml.DocumentNode:
		if len(n.Content) == 0 {
			return nil
		}
		return decodeNode(n.Content[0])
	case yaml.AliasNode:
		return decodeNode(n.Alias)
	case yaml.MappingNode:
		m := make(map[string]any, len(n.Content)/2)
		for i := 0; i+1 < len(n.Content); i += 2 {
			m[n.Content[i].Value] = decodeNode(n.Content[i+1])
		}
		return m
	case yaml.SequenceNode:
		items := make([]any, 0, len(n.Content))
		for _, item := range n.Content {
			items = append(items, decodeNode(item))
		}
		return items
	default:
		var v any
		if err := n.Decode(&v); err != nil {
			return n.Value
		}
		return v
	}
}

func isIntrinsic(tag string) bool {
	return strings.HasPrefix(tag, "!") && !strings.HasPrefix(tag, "!!")
}

func intrinsic(n *yaml.Node) any {
	name := strings.TrimPrefix(n.Tag, "!")

	plain := *n
	plain.Tag = ""
	if plain.Kind == yaml.ScalarNode {
		plain.Tag = "!!str"
	}
	value := decodeNode(&plain)

	switch name {
	case "Ref", "Condition":
	case "GetAtt":
		if s, ok := value.(string); ok {
			resource, attribute, _ := strings.Cut(s, ".")
			value = []any{resource, attribute}
		}
		name = "Fn::GetAtt"
	default:
		name = "Fn::" + name
	}
	return map[string]any{name: value}
}

func sectionKeys(root *yaml.Node, section string) []string {
	for i := 0; i+1 < len(root.Content); i += 2 {
		if root.Content[i].Value != section {
			continue
		}
		body := root.Content[i+1]
		if body.Kind != yaml.MappingNode {
			return nil
		}
		var keys []string
		for j := 0; j+1 < len(body.Content); j += 2 {
			keys = append(keys, body.Content[j].Value)
		}
		return keys
	}
	return nil
}
