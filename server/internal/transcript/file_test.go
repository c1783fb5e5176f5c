package transcript

import (
	"context"
	"testing"

	"interview-talk/server/internal/model"
)

// TestFileSinkWritesOrderedJSON 验证落盘后顺序与字段完整。
func TestFileSinkWritesOrderedJSON(t *testing.T) {
	sink := NewFileSink(t.TempDir())
	records := []model.TurnRecord{
		{Seq: 1, Question: "q1", Response: "long answer", Trait: "INATTENTION", Completeness: 0.9},
		{Seq: 2, Question: "follow?", FollowUp: true, RelatedTo: "q1"},
	}

	if err := sink.Write(context.Background(), "s1", records); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := ReadFile(sink.Path("s1"))
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if len(got) != 2 || got[1].RelatedTo != "q1" || !got[1].FollowUp {
		t.Fatalf("unexpected transcript: %+v", got)
	}
}

// TestFileSinkWritesEmptyArray 验证没有记录时仍写出合法 JSON 数组。
func TestFileSinkWritesEmptyArray(t *testing.T) {
	sink := NewFileSink(t.TempDir())
	if err := sink.Write(context.Background(), "empty", nil); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ReadFile(sink.Path("empty"))
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected no records, got %d", len(got))
	}
}
