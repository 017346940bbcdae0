package command

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tingly-dev/tingly-relay/internal/config"
)

const replayConfig = `
providers:
  - name: local
    api_base: http://127.0.0.1:8000/v1
models:
  - match: "glm-*"
    provider: local
    pipeline:
      - name: tag_extract
        params:
          think_tag: think
          tool_tag: tool_call
`

func writeReplayConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), config.ConfigFileName)
	require.NoError(t, os.WriteFile(path, []byte(replayConfig), 0644))
	return path
}

func decodeLines(t *testing.T, out string) []map[string]interface{} {
	t.Helper()
	var lines []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &m), line)
		lines = append(lines, m)
	}
	return lines
}

func TestReplayPrintsEvents(t *testing.T) {
	cfgPath := writeReplayConfig(t)
	input := filepath.Join(t.TempDir(), "response.txt")
	require.NoError(t, os.WriteFile(input, []byte("<think>hm</think>Hi<tool_call>ping</tool_call>"), 0644))

	var out bytes.Buffer
	root := NewRootCommand(BuildInfo{Version: "test"})
	root.SetOut(&out)
	root.SetArgs([]string{"--config", cfgPath, "replay", input, "--model", "glm-4.6", "--chunk-size", "3"})
	require.NoError(t, root.Execute())

	var types []string
	var reasoning, literal string
	for _, ev := range decodeLines(t, out.String()) {
		types = append(types, ev["type"].(string))
		switch ev["type"] {
		case "reasoning":
			reasoning += ev["text"].(string)
		case "literal":
			literal += ev["text"].(string)
		case "tool_call_end":
			call := ev["call"].(map[string]interface{})
			assert.Equal(t, "ping", call["name"])
			assert.Equal(t, "call_0", call["id"])
		}
	}
	assert.Equal(t, "hm", reasoning)
	assert.Equal(t, "Hi", literal)
	assert.Contains(t, types, "tool_call_start")
	assert.Equal(t, "end", types[len(types)-1])
}

func TestReplayDeltas(t *testing.T) {
	cfg, err := config.Load(writeReplayConfig(t))
	require.NoError(t, err)

	var out bytes.Buffer
	err = runReplay(&out, strings.NewReader("a<think>b</think>c"), cfg, ReplayOptions{Model: "glm-x", ChunkSize: 1, Deltas: true})
	require.NoError(t, err)

	var content, reasoning string
	for _, d := range decodeLines(t, out.String()) {
		if c, ok := d["content"].(string); ok {
			content += c
		}
		if r, ok := d["reasoning"].(string); ok {
			reasoning += r
		}
	}
	assert.Equal(t, "ac", content)
	assert.Equal(t, "b", reasoning)
}

func TestReplayErrors(t *testing.T) {
	cfg, err := config.Load(writeReplayConfig(t))
	require.NoError(t, err)

	err = runReplay(&bytes.Buffer{}, strings.NewReader("x"), cfg, ReplayOptions{Model: "gpt-4o", ChunkSize: 4})
	assert.ErrorIs(t, err, config.ErrModelNotFound)

	err = runReplay(&bytes.Buffer{}, strings.NewReader("x"), cfg, ReplayOptions{Model: "glm-4.6", ChunkSize: 0})
	assert.Error(t, err)
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	root := NewRootCommand(BuildInfo{Version: "1.2.3", GitCommit: "abc"})
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())

	assert.Contains(t, out.String(), "Version:    1.2.3")
	assert.Contains(t, out.String(), "Git Commit: abc")
}
