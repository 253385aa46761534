// Package manifest edits static pod manifests and kubelet configuration
// documents without disturbing the parts of the file it does not own.
package manifest

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// DocumentKind identifies what a configuration document configures.
type DocumentKind string

const (
	KindPod           DocumentKind = "Pod"
	KindKubeletConfig DocumentKind = "KubeletConfiguration"
)

// Document is a parsed configuration document.
type Document struct {
	root *yaml.Node
	kind DocumentKind
}

// Parse decodes a static pod manifest or kubelet configuration file.
func Parse(data []byte) (*Document, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return nil, fmt.Errorf("parse manifest: top level is not a mapping")
	}

	d := &Document{root: &doc}
	kindNode := mapGet(doc.Content[0], "kind")
	if kindNode == nil {
		return nil, fmt.Errorf("parse manifest: missing kind")
	}
	switch DocumentKind(kindNode.Value) {
	case KindPod, KindKubeletConfig:
		d.kind = DocumentKind(kindNode.Value)
	default:
		return nil, fmt.Errorf("parse manifest: unsupported kind %q", kindNode.Value)
	}
	return d, nil
}

// Kind returns the document kind.
func (d *Document) Kind() DocumentKind { return d.kind }

func (d *Document) top() *yaml.Node { return d.root.Content[0] }

// commandNode returns spec.containers[0].command.
func (d *Document) commandNode() (*yaml.Node, error) {
	if d.kind != KindPod {
		return nil, fmt.Errorf("%s has no container command", d.kind)
	}
	spec := mapGet(d.top(), "spec")
	if spec == nil || spec.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("manifest has no spec")
	}
	containers := mapGet(spec, "containers")
	if containers == nil || containers.Kind != yaml.SequenceNode || len(containers.Content) == 0 {
		return nil, fmt.Errorf("manifest has no containers")
	}
	cmd := mapGet(containers.Content[0], "command")
	if cmd == nil || cmd.Kind != yaml.SequenceNode {
		return nil, fmt.Errorf("first container has no command")
	}
	return cmd, nil
}

// Command returns the first container's command as typed arguments.
func (d *Document) Command() ([]Argument, error) {
	cmd, err := d.commandNode()
	if err != nil {
		return nil, err
	}
	raw := make([]string, 0, len(cmd.Content))
	for _, n := range cmd.Content {
		raw = append(raw, n.Value)
	}
	return ParseArguments(raw), nil
}

// SetCommand replaces the first container's command. Unchanged entries keep
// their original nodes so comments and styles survive.
func (d *Document) SetCommand(args []Argument) error {
	cmd, err := d.commandNode()
	if err != nil {
		return err
	}
	rendered := FormatArguments(args)
	content := make([]*yaml.Node, len(rendered))
	for i, v := range rendered {
		if i < len(cmd.Content) && cmd.Content[i].Value == v {
			content[i] = cmd.Content[i]
			continue
		}
		content[i] = &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: v}
	}
	cmd.Content = content
	return nil
}

// Get returns the scalar at a dotted key path, or the comma-joined items of a
// sequence of scalars.
func (d *Document) Get(path string) (string, bool) {
	n := d.top()
	for _, key := range strings.Split(path, ".") {
		if n.Kind != yaml.MappingNode {
			return "", false
		}
		if n = mapGet(n, key); n == nil {
			return "", false
		}
	}
	switch n.Kind {
	case yaml.ScalarNode:
		return n.Value, true
	case yaml.SequenceNode:
		var items []string
		for _, c := range n.Content {
			items = append(items, c.Value)
		}
		return strings.Join(items, ","), true
	}
	return "", false
}

// Set writes a typed scalar at a dotted key path, creating intermediate
// mappings. An existing sequence is replaced by the comma-split items.
func (d *Document) Set(path, value string) error {
	keys := strings.Split(path, ".")
	n := d.top()
	for i, key := range keys {
		if n.Kind != yaml.MappingNode {
			return fmt.Errorf("set %s: %s is not a mapping", path, strings.Join(keys[:i], "."))
		}
		child := mapGet(n, key)
		last := i == len(keys)-1
		if child == nil {
			child = &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
			if last {
				child = scalarNode(value)
			}
			n.Content = append(n.Content,
				&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: key}, child)
			n = child
			continue
		}
		if last {
			if child.Kind == yaml.SequenceNode {
				child.Content = nil
				for _, v := range splitCSV(value) {
					child.Content = append(child.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: v})
				}
				return nil
			}
			repl := scalarNode(value)
			repl.HeadComment, repl.LineComment = child.HeadComment, child.LineComment
			*child = *repl
			return nil
		}
		n = child
	}
	return nil
}

// Bytes re-encodes the document.
func (d *Document) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(d.root); err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	return buf.Bytes(), nil
}

func mapGet(m *yaml.Node, key string) *yaml.Node {
	if m == nil || m.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return m.Content[i+1]
		}
	}
	return nil
}

// scalarNode tags booleans and integers so kubelet decodes them as such;
// "false" must land as a real boolean, not a string.
func scalarNode(value string) *yaml.Node {
	tag := "!!str"
	if value == "true" || value == "false" {
		tag = "!!bool"
	} else if _, err := strconv.ParseInt(value, 10, 64); err == nil {
		tag = "!!int"
	}
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: tag, Value: value}
}
