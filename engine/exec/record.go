package exec

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dygram/dygram-go/engine"
	"github.com/dygram/dygram-go/model"
)

// RecordedCall captures one LLM request/response pair for deterministic
// playback. The request hash covers messages and tools; during strict
// playback a diverging hash raises engine.ErrReplayMismatch, which
// indicates the machine or prompt assembly changed since recording.
type RecordedCall struct {
	Seq         int             `json:"seq"`
	Node        string          `json:"node"`
	RequestHash string          `json:"requestHash"`
	Request     json.RawMessage `json:"request"`
	Response    model.ChatOut   `json:"response"`
	Timestamp   time.Time       `json:"timestamp"`
}

// Recorder wraps a ChatModel: in record mode it captures every call to
// a directory of JSON files; in playback mode it serves recorded
// responses in sequence instead of calling the provider.
type Recorder struct {
	mu       sync.Mutex
	dir      string
	playback bool
	strict   bool
	calls    []RecordedCall
	cursor   int
	inner    model.ChatModel
}

// NewRecorder creates a recording wrapper writing into dir.
func NewRecorder(inner model.ChatModel, dir string) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create record dir: %w", err)
	}
	return &Recorder{dir: dir, inner: inner}, nil
}

// NewPlayback creates a playback model over a previously recorded
// directory. With strict set, request hash mismatches fail the run.
func NewPlayback(dir string, strict bool) (*Recorder, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read playback dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	var calls []RecordedCall
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		var call RecordedCall
		if err := json.Unmarshal(data, &call); err != nil {
			return nil, fmt.Errorf("invalid recording %s: %w", name, err)
		}
		calls = append(calls, call)
	}
	return &Recorder{dir: dir, playback: true, strict: strict, calls: calls}, nil
}

// hashRequest computes the sha256 of the serialized request.
func hashRequest(messages []model.Message, tools []model.ToolSpec) (string, json.RawMessage, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"messages": messages,
		"tools":    tools,
	})
	if err != nil {
		return "", nil, err
	}
	sum := sha256.Sum256(payload)
	return "sha256:" + hex.EncodeToString(sum[:]), payload, nil
}

// Chat implements model.ChatModel.
func (r *Recorder) Chat(ctx context.Context, messages []model.Message, tools []model.ToolSpec) (model.ChatOut, error) {
	hash, payload, err := hashRequest(messages, tools)
	if err != nil {
		return model.ChatOut{}, err
	}

	if r.playback {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.cursor >= len(r.calls) {
			return model.ChatOut{}, fmt.Errorf("playback exhausted after %d calls", len(r.calls))
		}
		call := r.calls[r.cursor]
		r.cursor++
		if r.strict && call.RequestHash != hash {
			return model.ChatOut{}, fmt.Errorf("call %d: %w", call.Seq, engine.ErrReplayMismatch)
		}
		return call.Response, nil
	}

	out, err := r.inner.Chat(ctx, messages, tools)
	if err != nil {
		return out, err
	}
	r.mu.Lock()
	seq := len(r.calls)
	call := RecordedCall{
		Seq:         seq,
		RequestHash: hash,
		Request:     payload,
		Response:    out,
		Timestamp:   time.Now().UTC(),
	}
	r.calls = append(r.calls, call)
	r.mu.Unlock()

	data, err := json.MarshalIndent(call, "", "  ")
	if err != nil {
		return out, nil
	}
	name := fmt.Sprintf("%04d-%s.json", seq, strings.TrimPrefix(hash, "sha256:")[:12])
	_ = os.WriteFile(filepath.Join(r.dir, name), data, 0o644)
	return out, nil
}
