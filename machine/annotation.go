package machine

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
)

// The annotation processor turns raw @name markers into typed configs.
// Aliases share decoding logic but may carry different defaults: @join
// and @merge are @barrier with merge pre-set, @spawn is @async.
//
// Three input forms are recognized:
//
//	@name                 simple marker
//	@name("value")        value form (Node.field captured as QualifiedValue)
//	@name(k: v; k2: v2)   attribute form, decoded via mapstructure

// BarrierConfig configures a rendezvous point on an edge.
type BarrierConfig struct {
	// Name identifies the barrier. Defaults to the target node name.
	Name string `mapstructure:"name"`

	// Merge collapses all but one waiter when the barrier releases.
	Merge bool `mapstructure:"merge"`

	// Group restricts the required set to paths fanned out under the
	// named map group.
	Group string `mapstructure:"group"`
}

// AsyncConfig marks an edge as a spawn point: a new path starts at the
// target while the originating path continues.
type AsyncConfig struct {
	// Label optionally names the spawned flow for logs.
	Label string `mapstructure:"label"`
}

// MapConfig configures fan-out over a collection.
type MapConfig struct {
	// Source is the qualified name of the collection (Ctx.items).
	Source string `mapstructure:"source"`

	// Group names the fan-out group; defaults to the source with dots
	// replaced by underscores.
	Group string `mapstructure:"group"`
}

// RetryConfig configures re-invocation after transport failures.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"maxAttempts"`
	BaseDelay   time.Duration `mapstructure:"baseDelay"`
	MaxDelay    time.Duration `mapstructure:"maxDelay"`

	// Strategy is "exponential" or "fixed".
	Strategy string `mapstructure:"strategy"`
}

// TimeoutConfig is the decoded @timeout duration, kept on
// Processed.Timeout. The runtime does not apply it per node; only the
// run-wide execution timeout is enforced.
type TimeoutConfig struct {
	Duration time.Duration `mapstructure:"duration"`
}

// PriorityConfig orders agent transition descriptions.
type PriorityConfig struct {
	Level int `mapstructure:"level"`
}

// CheckpointConfig requests a durable snapshot after the node completes.
type CheckpointConfig struct {
	Description string `mapstructure:"description"`
}

// MetaConfig marks a node as meta-capable: its agent receives the
// machine-mutation tool set.
type MetaConfig struct{}

// StrictConfig marks @strict, recorded as Processed.Strict. The runtime
// does not read the flag, so agent fallback is unaffected by it.
type StrictConfig struct{}

// Processed is the typed view of one node's or edge's annotations plus
// warnings for markers the processor did not recognize. Warnings are
// non-fatal; the runtime surfaces them as log effects.
type Processed struct {
	Barrier    *BarrierConfig
	Async      *AsyncConfig
	Parallel   bool
	Map        *MapConfig
	Meta       bool
	Strict     bool
	Auto       bool
	Start      bool
	Retry      *RetryConfig
	Timeout    *TimeoutConfig
	Priority   *PriorityConfig
	Checkpoint *CheckpointConfig
	Warnings   []string
}

var knownAnnotations = map[string]bool{
	"barrier": true, "join": true, "merge": true,
	"async": true, "spawn": true, "parallel": true,
	"map": true, "foreach": true,
	"meta": true, "strict": true, "auto": true, "start": true,
	"retry": true, "timeout": true, "priority": true, "checkpoint": true,
	"errorHandling": true, "when": true, "tool": true, "import": true,
}

// Process decodes a raw annotation list into typed configs.
func Process(anns []Annotation) Processed {
	var p Processed
	for _, a := range anns {
		switch a.Name {
		case "barrier", "join", "merge":
			cfg := &BarrierConfig{Merge: a.Name == "join" || a.Name == "merge"}
			if err := decodeInto(a, cfg, "name"); err != nil {
				p.Warnings = append(p.Warnings, annotationWarning(a, err))
				continue
			}
			p.Barrier = cfg
		case "async", "spawn":
			cfg := &AsyncConfig{}
			if err := decodeInto(a, cfg, "label"); err != nil {
				p.Warnings = append(p.Warnings, annotationWarning(a, err))
				continue
			}
			p.Async = cfg
		case "parallel":
			p.Parallel = true
		case "map", "foreach":
			cfg := &MapConfig{}
			if err := decodeInto(a, cfg, "source"); err != nil {
				p.Warnings = append(p.Warnings, annotationWarning(a, err))
				continue
			}
			if cfg.Source == "" && a.QualifiedValue != "" {
				cfg.Source = a.QualifiedValue
			}
			if cfg.Group == "" && cfg.Source != "" {
				cfg.Group = strings.ReplaceAll(cfg.Source, ".", "_")
			}
			p.Map = cfg
		case "meta":
			p.Meta = true
		case "strict":
			p.Strict = true
		case "auto":
			p.Auto = true
		case "start":
			p.Start = true
		case "retry":
			cfg := &RetryConfig{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second, Strategy: "exponential"}
			if a.Value != "" {
				if n, err := strconv.Atoi(a.Value); err == nil {
					cfg.MaxAttempts = n
				}
			}
			if err := decodeInto(a, cfg, ""); err != nil {
				p.Warnings = append(p.Warnings, annotationWarning(a, err))
				continue
			}
			p.Retry = cfg
		case "timeout":
			cfg := &TimeoutConfig{}
			if a.Value != "" {
				d, err := parseDuration(a.Value)
				if err != nil {
					p.Warnings = append(p.Warnings, annotationWarning(a, err))
					continue
				}
				cfg.Duration = d
			}
			if err := decodeInto(a, cfg, ""); err != nil {
				p.Warnings = append(p.Warnings, annotationWarning(a, err))
				continue
			}
			p.Timeout = cfg
		case "priority":
			cfg := &PriorityConfig{}
			if a.Value != "" {
				if n, err := strconv.Atoi(a.Value); err == nil {
					cfg.Level = n
				}
			}
			if err := decodeInto(a, cfg, ""); err != nil {
				p.Warnings = append(p.Warnings, annotationWarning(a, err))
				continue
			}
			p.Priority = cfg
		case "checkpoint":
			cfg := &CheckpointConfig{Description: a.Value}
			if err := decodeInto(a, cfg, ""); err != nil {
				p.Warnings = append(p.Warnings, annotationWarning(a, err))
				continue
			}
			p.Checkpoint = cfg
		default:
			if !knownAnnotations[a.Name] {
				p.Warnings = append(p.Warnings, fmt.Sprintf("unknown annotation @%s ignored", a.Name))
			}
		}
	}
	return p
}

// decodeInto applies the annotation's attribute map onto cfg. For the
// value form, valueField names the config field that receives a.Value.
func decodeInto(a Annotation, cfg interface{}, valueField string) error {
	input := map[string]interface{}{}
	for k, v := range a.Attributes {
		input[k] = v
	}
	if a.Value != "" && valueField != "" {
		if _, set := input[valueField]; !set {
			input[valueField] = a.Value
		}
	}
	if a.QualifiedValue != "" && valueField != "" {
		if _, set := input[valueField]; !set {
			input[valueField] = a.QualifiedValue
		}
	}
	if len(input) == 0 {
		return nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return err
	}
	return dec.Decode(input)
}

// parseDuration accepts Go duration syntax and bare numbers (seconds).
func parseDuration(raw string) (time.Duration, error) {
	if n, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(strings.TrimSpace(raw))
}

func annotationWarning(a Annotation, err error) string {
	return fmt.Sprintf("invalid @%s annotation: %v", a.Name, err)
}

// ErrorHandlingMode returns the machine-level @errorHandling mode from
// the first node that declares one. Defaults to "continue".
func (m *Machine) ErrorHandlingMode() string {
	for _, n := range m.Nodes {
		if a := n.Annotation("errorHandling"); a != nil && a.Value != "" {
			return a.Value
		}
	}
	return "continue"
}
