// Package machine defines the machine definition model consumed by the
// execution engine: typed nodes and edges with attributes and annotations,
// loaded from the stable machine JSON schema.
package machine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Node types understood by the engine. Unknown types are carried through
// untouched so diagram generators can render them, but the engine treats
// them as non-executable.
const (
	TypeTask    = "task"
	TypeState   = "state"
	TypeInit    = "init"
	TypeContext = "context"
	TypeStyle   = "style"
)

// Machine is an immutable machine definition. Within an execution it lives
// as a snapshot inside the execution state; meta-tools produce a new
// snapshot rather than mutating the caller's input.
type Machine struct {
	// Title is the human-readable machine name.
	Title string `json:"title"`

	// Nodes is the ordered node sequence. Order matters: start-node
	// discovery and transition selection break ties in source order.
	Nodes []Node `json:"nodes"`

	// Edges is the ordered edge sequence.
	Edges []Edge `json:"edges"`
}

// Node is a single vertex of the machine graph.
type Node struct {
	// Name uniquely identifies the node within the machine.
	Name string `json:"name"`

	// Type is one of the Type* constants. Empty means task.
	Type string `json:"type,omitempty"`

	// Parent names the enclosing module node, if any.
	Parent string `json:"parent,omitempty"`

	// Attributes carry raw attribute text, parsed on demand.
	Attributes []Attribute `json:"attributes,omitempty"`

	// Annotations carry @name markers parsed by the annotation processor.
	Annotations []Annotation `json:"annotations,omitempty"`
}

// Edge connects two nodes. Control edges drive transitions; data edges
// between context nodes and other nodes grant read/write permissions.
type Edge struct {
	Source      string       `json:"source"`
	Target      string       `json:"target"`
	Type        string       `json:"type,omitempty"`
	Label       string       `json:"label,omitempty"`
	ArrowType   string       `json:"arrowType,omitempty"`
	Annotations []Annotation `json:"annotations,omitempty"`
}

// Annotation is a parsed @name marker. Exactly one of Value and
// QualifiedValue is set for the value form; Attributes is set for the
// @name(k: v; ...) form.
type Annotation struct {
	Name           string            `json:"name"`
	Value          string            `json:"value,omitempty"`
	QualifiedValue string            `json:"qualifiedValue,omitempty"`
	Attributes     map[string]string `json:"attributes,omitempty"`
}

// Load parses and validates a machine JSON document.
//
// Validation catches user graph errors before a run starts: duplicate or
// empty node names, edges referencing unknown nodes, and parents that do
// not resolve. The returned machine is ready to snapshot into an
// execution state.
func Load(data []byte) (*Machine, error) {
	var m Machine
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("invalid machine JSON: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks referential integrity of the machine definition.
func (m *Machine) Validate() error {
	if len(m.Nodes) == 0 {
		return fmt.Errorf("machine %q has no nodes", m.Title)
	}
	seen := make(map[string]bool, len(m.Nodes))
	for _, n := range m.Nodes {
		if n.Name == "" {
			return fmt.Errorf("machine %q contains a node with an empty name", m.Title)
		}
		if seen[n.Name] {
			return fmt.Errorf("duplicate node name: %s", n.Name)
		}
		seen[n.Name] = true
	}
	for _, n := range m.Nodes {
		if n.Parent != "" && !seen[n.Parent] {
			return fmt.Errorf("node %s references unknown parent %s", n.Name, n.Parent)
		}
	}
	for i, e := range m.Edges {
		if !seen[e.Source] {
			return fmt.Errorf("edge %d references unknown source %s", i, e.Source)
		}
		if !seen[e.Target] {
			return fmt.Errorf("edge %d references unknown target %s", i, e.Target)
		}
	}
	return nil
}

// Clone returns a deep copy of the machine via a JSON round-trip.
// Snapshots stored inside execution state must not alias the input.
func (m *Machine) Clone() *Machine {
	data, err := json.Marshal(m)
	if err != nil {
		// Machine is built from JSON and contains only serializable
		// fields; a marshal failure here is a programming error.
		panic("machine: clone marshal: " + err.Error())
	}
	var out Machine
	if err := json.Unmarshal(data, &out); err != nil {
		panic("machine: clone unmarshal: " + err.Error())
	}
	return &out
}

// Hash returns the hex-encoded SHA-256 of the canonical JSON encoding.
// Canonical form sorts object keys, so hashes are stable across load,
// snapshot and re-serialize cycles. Resume compares this hash to detect
// a changed machine.
func (m *Machine) Hash() string {
	data, err := json.Marshal(m)
	if err != nil {
		panic("machine: hash marshal: " + err.Error())
	}
	canonical, err := canonicalize(data)
	if err != nil {
		panic("machine: canonicalize: " + err.Error())
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// canonicalize re-encodes a JSON document with object keys sorted.
func canonicalize(data []byte) ([]byte, error) {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	var b strings.Builder
	if err := writeCanonical(&b, v); err != nil {
		return nil, err
	}
	return []byte(b.String()), nil
}

func writeCanonical(b *strings.Builder, v interface{}) error {
	switch t := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			kj, _ := json.Marshal(k)
			b.Write(kj)
			b.WriteByte(':')
			if err := writeCanonical(b, t[k]); err != nil {
				return err
			}
		}
		b.WriteByte('}')
	case []interface{}:
		b.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := writeCanonical(b, e); err != nil {
				return err
			}
		}
		b.WriteByte(']')
	default:
		enc, err := json.Marshal(t)
		if err != nil {
			return err
		}
		b.Write(enc)
	}
	return nil
}

// NodeByName returns the named node, or nil if absent.
func (m *Machine) NodeByName(name string) *Node {
	for i := range m.Nodes {
		if m.Nodes[i].Name == name {
			return &m.Nodes[i]
		}
	}
	return nil
}

// EdgesFrom returns the outbound edges of a node in source order.
func (m *Machine) EdgesFrom(name string) []Edge {
	var out []Edge
	for _, e := range m.Edges {
		if e.Source == name {
			out = append(out, e)
		}
	}
	return out
}

// EdgesTo returns the inbound edges of a node in source order.
func (m *Machine) EdgesTo(name string) []Edge {
	var out []Edge
	for _, e := range m.Edges {
		if e.Target == name {
			out = append(out, e)
		}
	}
	return out
}

// Children returns the direct children of a module node in source order.
func (m *Machine) Children(parent string) []Node {
	var out []Node
	for _, n := range m.Nodes {
		if n.Parent == parent {
			out = append(out, n)
		}
	}
	return out
}

// IsModule reports whether the node has at least one child.
func (m *Machine) IsModule(name string) bool {
	for _, n := range m.Nodes {
		if n.Parent == name {
			return true
		}
	}
	return false
}

// ContextNodes returns the machine's context nodes in source order.
func (m *Machine) ContextNodes() []Node {
	var out []Node
	for _, n := range m.Nodes {
		if n.Type == TypeContext {
			out = append(out, n)
		}
	}
	return out
}

// EffectiveType returns the node type, defaulting to task.
func (n *Node) EffectiveType() string {
	if n.Type == "" {
		return TypeTask
	}
	return n.Type
}

// Executable reports whether the node can host a path. Context and style
// nodes only carry data and presentation.
func (n *Node) Executable() bool {
	t := n.EffectiveType()
	return t != TypeContext && t != TypeStyle
}

// Attribute returns the named attribute, or nil if absent.
func (n *Node) Attribute(name string) *Attribute {
	for i := range n.Attributes {
		if n.Attributes[i].Name == name {
			return &n.Attributes[i]
		}
	}
	return nil
}

// AttributeText returns the raw text of the named attribute, or "".
func (n *Node) AttributeText(name string) string {
	if a := n.Attribute(name); a != nil {
		return a.Value
	}
	return ""
}

// Prompt returns the node's agent prompt: the prompt attribute if set,
// falling back to desc.
func (n *Node) Prompt() string {
	if p := n.AttributeText("prompt"); p != "" {
		return p
	}
	return n.AttributeText("desc")
}

// Annotation returns the first annotation matching any of the given
// names, or nil.
func (n *Node) Annotation(names ...string) *Annotation {
	return findAnnotation(n.Annotations, names)
}

// Annotation returns the first edge annotation matching any of the given
// names, or nil.
func (e *Edge) Annotation(names ...string) *Annotation {
	return findAnnotation(e.Annotations, names)
}

func findAnnotation(anns []Annotation, names []string) *Annotation {
	for i := range anns {
		for _, name := range names {
			if anns[i].Name == name {
				return &anns[i]
			}
		}
	}
	return nil
}
