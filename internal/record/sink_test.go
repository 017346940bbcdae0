package record

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tingly-dev/tingly-relay/internal/pipeline"
)

func readEntries(t *testing.T, path string) []map[string]interface{} {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []map[string]interface{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		out = append(out, m)
	}
	require.NoError(t, sc.Err())
	return out
}

func sampleEntry() *RecordEntry {
	return &RecordEntry{
		Provider: "local",
		Model:    "glm-4.6",
		Streamed: true,
		Stages:   []string{pipeline.StageTagExtract},
		Choices: []ChoiceRecord{{
			RawContent: "a<think>b</think>",
			Events:     []pipeline.Event{pipeline.Literal("a"), pipeline.Reasoning("b"), pipeline.End()},
			Content:    "a",
			Reasoning:  "b",
		}},
	}
}

func TestSinkRecordAll(t *testing.T) {
	dir := t.TempDir()
	sink := NewSink(dir, RecordModeAll)
	fixed := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	sink.now = func() time.Time { return fixed }
	require.True(t, sink.CaptureRaw())

	sink.Record(sampleEntry())
	sink.Record(sampleEntry())
	sink.Close()

	entries := readEntries(t, filepath.Join(dir, "local-2026-03-01-09.jsonl"))
	require.Len(t, entries, 2)
	assert.NotEqual(t, entries[0]["request_id"], entries[1]["request_id"])
	assert.Equal(t, "2026-03-01T09:30:00Z", entries[0]["timestamp"])

	choice := entries[0]["choices"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "a<think>b</think>", choice["raw_content"])
	events := choice["events"].([]interface{})
	assert.Equal(t, map[string]interface{}{"type": "reasoning", "text": "b"}, events[1])
}

func TestSinkResponseModeStripsRaw(t *testing.T) {
	dir := t.TempDir()
	sink := NewSink(dir, RecordModeResponse)
	fixed := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	sink.now = func() time.Time { return fixed }
	assert.False(t, sink.CaptureRaw())

	sink.Record(sampleEntry())
	sink.Close()

	entries := readEntries(t, filepath.Join(dir, "local-2026-03-01-09.jsonl"))
	require.Len(t, entries, 1)
	choice := entries[0]["choices"].([]interface{})[0].(map[string]interface{})
	assert.NotContains(t, choice, "raw_content")
	assert.NotContains(t, choice, "events")
	assert.Equal(t, "a", choice["content"])
}

func TestSinkRotatesHourly(t *testing.T) {
	dir := t.TempDir()
	sink := NewSink(dir, RecordModeResponse)
	now := time.Date(2026, 3, 1, 9, 59, 0, 0, time.UTC)
	sink.now = func() time.Time { return now }

	sink.Record(sampleEntry())
	now = now.Add(2 * time.Minute)
	sink.Record(sampleEntry())
	sink.Close()

	assert.FileExists(t, filepath.Join(dir, "local-2026-03-01-09.jsonl"))
	assert.FileExists(t, filepath.Join(dir, "local-2026-03-01-10.jsonl"))
}

func TestSinkDisabled(t *testing.T) {
	for _, mode := range []RecordMode{"", "slim"} {
		sink := NewSink(t.TempDir(), mode)
		assert.False(t, sink.IsEnabled())
		sink.Record(sampleEntry())
		sink.Close()
	}
	var nilSink *Sink
	assert.False(t, nilSink.IsEnabled())
	nilSink.Record(sampleEntry())
}
