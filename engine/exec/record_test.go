package exec

import (
	"context"
	"errors"
	"testing"

	"github.com/dygram/dygram-go/engine"
	"github.com/dygram/dygram-go/model"
)

func TestRecordThenPlayback(t *testing.T) {
	dir := t.TempDir()
	inner := &model.MockChatModel{Responses: []model.ChatOut{
		{Text: "first"},
		{Text: "second", ToolCalls: []model.ToolCall{{ID: "t1", Name: "transition_to_x"}}},
	}}
	rec, err := NewRecorder(inner, dir)
	if err != nil {
		t.Fatal(err)
	}

	msgs1 := []model.Message{{Role: model.RoleUser, Content: "one"}}
	msgs2 := []model.Message{{Role: model.RoleUser, Content: "two"}}
	out1, err := rec.Chat(context.Background(), msgs1, nil)
	if err != nil || out1.Text != "first" {
		t.Fatalf("record call 1: %v %+v", err, out1)
	}
	out2, err := rec.Chat(context.Background(), msgs2, nil)
	if err != nil || out2.Text != "second" {
		t.Fatalf("record call 2: %v %+v", err, out2)
	}

	pb, err := NewPlayback(dir, true)
	if err != nil {
		t.Fatal(err)
	}
	got1, err := pb.Chat(context.Background(), msgs1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got1.Text != "first" {
		t.Errorf("playback 1 = %+v", got1)
	}
	got2, err := pb.Chat(context.Background(), msgs2, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got2.Text != "second" || len(got2.ToolCalls) != 1 {
		t.Errorf("playback 2 = %+v", got2)
	}

	// Exhausted playback fails.
	if _, err := pb.Chat(context.Background(), msgs1, nil); err == nil {
		t.Error("exhausted playback did not error")
	}
}

func TestStrictPlaybackDetectsMismatch(t *testing.T) {
	dir := t.TempDir()
	inner := &model.MockChatModel{Responses: []model.ChatOut{{Text: "ok"}}}
	rec, err := NewRecorder(inner, dir)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := rec.Chat(context.Background(), []model.Message{{Role: model.RoleUser, Content: "original"}}, nil); err != nil {
		t.Fatal(err)
	}

	pb, err := NewPlayback(dir, true)
	if err != nil {
		t.Fatal(err)
	}
	_, err = pb.Chat(context.Background(), []model.Message{{Role: model.RoleUser, Content: "changed"}}, nil)
	if !errors.Is(err, engine.ErrReplayMismatch) {
		t.Errorf("err = %v, want ErrReplayMismatch", err)
	}
}

func TestLenientPlaybackToleratesMismatch(t *testing.T) {
	dir := t.TempDir()
	inner := &model.MockChatModel{Responses: []model.ChatOut{{Text: "ok"}}}
	rec, err := NewRecorder(inner, dir)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := rec.Chat(context.Background(), []model.Message{{Role: model.RoleUser, Content: "original"}}, nil); err != nil {
		t.Fatal(err)
	}

	pb, err := NewPlayback(dir, false)
	if err != nil {
		t.Fatal(err)
	}
	out, err := pb.Chat(context.Background(), []model.Message{{Role: model.RoleUser, Content: "changed"}}, nil)
	if err != nil {
		t.Fatalf("lenient playback errored: %v", err)
	}
	if out.Text != "ok" {
		t.Errorf("out = %+v", out)
	}
}
