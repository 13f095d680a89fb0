package emit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

// LogEmitter writes events to a writer, either as human-readable text
// with key=value pairs or as one JSON object per line.
//
// Text:
//
//	[info] exec=exec-20250101-120000 step=3 path=path-0 node=review transition
//
// JSON:
//
//	{"executionId":"exec-...","level":"info","msg":"transition","nodeId":"review","pathId":"path-0","step":3}
type LogEmitter struct {
	mu       sync.Mutex
	writer   io.Writer
	jsonMode bool
}

// NewLogEmitter creates a LogEmitter. A nil writer defaults to stdout.
func NewLogEmitter(writer io.Writer, jsonMode bool) *LogEmitter {
	if writer == nil {
		writer = os.Stdout
	}
	return &LogEmitter{writer: writer, jsonMode: jsonMode}
}

// Emit implements Emitter.
func (l *LogEmitter) Emit(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.jsonMode {
		l.emitJSON(event)
		return
	}
	l.emitText(event)
}

func (l *LogEmitter) emitJSON(event Event) {
	payload := map[string]interface{}{
		"executionId": event.ExecutionID,
		"step":        event.Step,
		"level":       event.Level,
		"msg":         event.Msg,
	}
	if event.PathID != "" {
		payload["pathId"] = event.PathID
	}
	if event.NodeID != "" {
		payload["nodeId"] = event.NodeID
	}
	if len(event.Meta) > 0 {
		payload["meta"] = event.Meta
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	_, _ = l.writer.Write(append(data, '\n'))
}

func (l *LogEmitter) emitText(event Event) {
	level := event.Level
	if level == "" {
		level = "info"
	}
	line := fmt.Sprintf("[%s] exec=%s step=%d", level, event.ExecutionID, event.Step)
	if event.PathID != "" {
		line += " path=" + event.PathID
	}
	if event.NodeID != "" {
		line += " node=" + event.NodeID
	}
	line += " " + event.Msg
	if len(event.Meta) > 0 {
		if meta, err := json.Marshal(event.Meta); err == nil {
			line += " meta=" + string(meta)
		}
	}
	_, _ = fmt.Fprintln(l.writer, line)
}

// EmitBatch implements Emitter.
func (l *LogEmitter) EmitBatch(ctx context.Context, events []Event) error {
	for _, e := range events {
		if err := ctx.Err(); err != nil {
			return err
		}
		l.Emit(e)
	}
	return nil
}

// Flush implements Emitter. LogEmitter writes synchronously, so there
// is nothing buffered.
func (l *LogEmitter) Flush(context.Context) error { return nil }
