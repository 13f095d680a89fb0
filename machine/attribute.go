package machine

import (
	"encoding/json"
	"strings"
)

// Attribute is a raw name/value pair on a node. Values are stored as the
// source text and parsed on demand.
type Attribute struct {
	Name  string `json:"name"`
	Type  string `json:"type,omitempty"`
	Value string `json:"value"`
}

// Parsed interprets the attribute text as a typed value.
//
// The text is tried as JSON first, which covers numbers, booleans, null,
// objects and arrays as well as quoted strings. Anything that is not
// valid JSON is returned as the trimmed string itself, so bare words and
// sentences survive without quoting.
func (a *Attribute) Parsed() interface{} {
	return ParseValue(a.Value)
}

// ParseValue converts raw attribute text into a number, boolean, object,
// array or string.
func ParseValue(raw string) interface{} {
	text := strings.TrimSpace(raw)
	if text == "" {
		return ""
	}
	var v interface{}
	if err := json.Unmarshal([]byte(text), &v); err == nil {
		return v
	}
	return text
}

// ParsedAttributes flattens a node's attributes into a value map.
func (n *Node) ParsedAttributes() map[string]interface{} {
	if len(n.Attributes) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(n.Attributes))
	for _, a := range n.Attributes {
		out[a.Name] = a.Parsed()
	}
	return out
}
