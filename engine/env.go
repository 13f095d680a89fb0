package engine

import (
	"sort"
	"strings"

	"github.com/dygram/dygram-go/machine"
)

// Environment construction for condition evaluation and prompt
// templates, plus the edge-derived permission model that gates agent
// access to context objects.

// ContextPermission describes one node's access to a context object.
// An empty Fields list permits every field.
type ContextPermission struct {
	Read   bool
	Write  bool
	Fields []string
}

// Permits reports whether the named field falls in the permitted set.
func (p ContextPermission) Permits(field string) bool {
	if len(p.Fields) == 0 {
		return true
	}
	for _, f := range p.Fields {
		if f == field {
			return true
		}
	}
	return false
}

// Permissions maps context node names to the access a node holds.
type Permissions map[string]ContextPermission

// CanWrite reports whether writes to ctx.field are permitted. Tool
// dispatch enforces this before updateContextState runs.
func (ps Permissions) CanWrite(ctx, field string) bool {
	p, ok := ps[ctx]
	return ok && p.Write && p.Permits(field)
}

// CanRead reports whether reads of ctx are permitted.
func (ps Permissions) CanRead(ctx string) bool {
	p, ok := ps[ctx]
	return ok && p.Read
}

// ContextPermissions derives a node's context access from the machine's
// edges: an edge from a context node grants read; an edge to a context
// node labeled "writes"/"stores" grants write, labeled "reads" grants
// read. Field lists after the verb ("writes count, total") restrict the
// permitted set.
func ContextPermissions(m *machine.Machine, nodeName string) Permissions {
	perms := Permissions{}
	grant := func(ctx string, read, write bool, fields []string) {
		p := perms[ctx]
		p.Read = p.Read || read
		p.Write = p.Write || write
		if len(fields) > 0 {
			p.Fields = append(p.Fields, fields...)
		}
		perms[ctx] = p
	}
	for _, e := range m.Edges {
		if e.Target == nodeName {
			if src := m.NodeByName(e.Source); src != nil && src.EffectiveType() == machine.TypeContext {
				grant(e.Source, true, false, nil)
			}
		}
		if e.Source == nodeName {
			tgt := m.NodeByName(e.Target)
			if tgt == nil || tgt.EffectiveType() != machine.TypeContext {
				continue
			}
			verb, fields := parsePermissionLabel(e.Label)
			switch verb {
			case "writes", "stores":
				grant(e.Target, false, true, fields)
			case "reads":
				grant(e.Target, true, false, fields)
			}
		}
	}
	return perms
}

// parsePermissionLabel splits "writes count, total" into the verb and
// its optional field list.
func parsePermissionLabel(label string) (string, []string) {
	trimmed := strings.TrimSpace(strings.ToLower(label))
	if trimmed == "" {
		return "", nil
	}
	parts := strings.SplitN(trimmed, " ", 2)
	verb := parts[0]
	if len(parts) == 1 {
		return verb, nil
	}
	var fields []string
	for _, f := range strings.Split(parts[1], ",") {
		if f = strings.TrimSpace(f); f != "" {
			fields = append(fields, f)
		}
	}
	return verb, fields
}

// ContextValues materializes a context object: the context node's
// initial attributes overlaid with live contextState, restricted to the
// permitted field set.
func ContextValues(s *ExecutionState, ctxName string, perm ContextPermission) map[string]interface{} {
	node := s.Machine.NodeByName(ctxName)
	out := map[string]interface{}{}
	if node != nil {
		for _, a := range node.Attributes {
			if perm.Permits(a.Name) {
				out[a.Name] = a.Parsed()
			}
		}
	}
	for field, value := range s.Context[ctxName] {
		if perm.Permits(field) {
			out[field] = value
		}
	}
	return out
}

// BuildEnv composes the evaluation environment for a node: the node's
// own attributes, every reachable context object, map fan-out item and
// index when present, and the reserved built-ins. Built-ins are applied
// last so user nodes named errorCount, errors or activeState are
// shadowed.
func BuildEnv(s *ExecutionState, p *Path, node *machine.Node) (map[string]interface{}, Permissions) {
	env := map[string]interface{}{}
	for k, v := range node.ParsedAttributes() {
		env[k] = v
	}
	perms := ContextPermissions(s.Machine, node.Name)
	ctxNames := make([]string, 0, len(perms))
	for ctxName := range perms {
		ctxNames = append(ctxNames, ctxName)
	}
	sort.Strings(ctxNames)
	for _, ctxName := range ctxNames {
		perm := perms[ctxName]
		if !perm.Read && !perm.Write {
			continue
		}
		values := ContextValues(s, ctxName, perm)
		env[ctxName] = values
		// Fields of every read- or write-permitted context are also bound
		// unqualified so conditions can say "x == 1" as well as
		// "Ctx.x == 1". Node attributes win on collision; contexts apply
		// in name order.
		for field, value := range values {
			if _, taken := env[field]; !taken {
				env[field] = value
			}
		}
	}
	if p != nil && p.MapContext != nil {
		env["item"] = p.MapContext.Item
		env["index"] = p.MapContext.Index
	}
	env["errorCount"] = s.Metadata.ErrorCount
	env["errors"] = append([]string(nil), s.Metadata.Errors...)
	env["activeState"] = activeState(p)
	return env, perms
}

// activeState is the most recently visited state node of the path.
func activeState(p *Path) string {
	if p == nil || len(p.StateTransitions) == 0 {
		return ""
	}
	return p.StateTransitions[len(p.StateTransitions)-1].State
}
