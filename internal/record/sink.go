package record

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tingly-dev/tingly-relay/internal/pipeline"
)

// RecordMode defines the recording mode
type RecordMode string

const (
	RecordModeAll      RecordMode = "all"      // Record raw upstream text and the transformed output
	RecordModeResponse RecordMode = "response" // Record only the transformed output
)

// RecordEntry is one relayed response.
type RecordEntry struct {
	Timestamp     string         `json:"timestamp"`
	RequestID     string         `json:"request_id"`
	Provider      string         `json:"provider"`
	Model         string         `json:"model"`
	UpstreamModel string         `json:"upstream_model"`
	Rule          string         `json:"rule"`
	Streamed      bool           `json:"streamed"`
	Stages        []string       `json:"stages"`
	Choices       []ChoiceRecord `json:"choices"`

	// UpstreamChunks counts the chunks a streamed response arrived in.
	UpstreamChunks int    `json:"upstream_chunks,omitempty"`
	DurationMs     int64  `json:"duration_ms"`
	Error          string `json:"error,omitempty"`
}

// ChoiceRecord is the pipeline input and output for one choice.
type ChoiceRecord struct {
	Index        int64               `json:"index"`
	RawContent   string              `json:"raw_content,omitempty"`
	RawReasoning string              `json:"raw_reasoning,omitempty"`
	Events       []pipeline.Event    `json:"events,omitempty"`
	Content      string              `json:"content,omitempty"`
	Reasoning    string              `json:"reasoning,omitempty"`
	ToolCalls    []pipeline.ToolCall `json:"tool_calls,omitempty"`
}

// Sink writes record entries to JSONL files, one file per provider and hour.
type Sink struct {
	mode    RecordMode
	baseDir string
	fileMap map[string]*recordFile // provider -> file
	mutex   sync.Mutex
	now     func() time.Time
}

type recordFile struct {
	file        *os.File
	writer      *json.Encoder
	currentHour string // YYYY-MM-DD-HH
}

// NewSink creates a record sink. An empty mode disables recording.
func NewSink(baseDir string, mode RecordMode) *Sink {
	if mode == "" {
		return &Sink{}
	}
	if mode != RecordModeAll && mode != RecordModeResponse {
		logrus.Warnf("Invalid record mode '%s', recording disabled", mode)
		return &Sink{}
	}
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		logrus.Errorf("Failed to create record directory %s: %v", baseDir, err)
		return &Sink{}
	}
	return &Sink{
		mode:    mode,
		baseDir: baseDir,
		fileMap: make(map[string]*recordFile),
		now:     time.Now,
	}
}

// IsEnabled returns whether recording is enabled
func (r *Sink) IsEnabled() bool {
	return r != nil && r.mode != ""
}

// CaptureRaw reports whether handles should capture their raw input.
func (r *Sink) CaptureRaw() bool {
	return r.IsEnabled() && r.mode == RecordModeAll
}

// Record writes entry, filling in the timestamp and request id when unset.
// In response mode the raw input and event log are stripped.
func (r *Sink) Record(entry *RecordEntry) {
	if !r.IsEnabled() {
		return
	}
	if entry.Timestamp == "" {
		entry.Timestamp = r.now().UTC().Format(time.RFC3339)
	}
	if entry.RequestID == "" {
		entry.RequestID = uuid.New().String()
	}
	if r.mode == RecordModeResponse {
		for i := range entry.Choices {
			entry.Choices[i].RawContent = ""
			entry.Choices[i].RawReasoning = ""
			entry.Choices[i].Events = nil
		}
	}
	r.writeEntry(entry.Provider, entry)
}

func (r *Sink) writeEntry(provider string, entry *RecordEntry) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	currentHour := r.now().UTC().Format("2006-01-02-15")

	rf, exists := r.fileMap[provider]
	if !exists || rf.currentHour != currentHour {
		if exists {
			r.closeFile(rf)
		}
		filename := filepath.Join(r.baseDir, fmt.Sprintf("%s-%s.jsonl", provider, currentHour))
		file, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			logrus.Errorf("Failed to open record file %s: %v", filename, err)
			return
		}
		rf = &recordFile{
			file:        file,
			writer:      json.NewEncoder(file),
			currentHour: currentHour,
		}
		r.fileMap[provider] = rf
	}

	if err := rf.writer.Encode(entry); err != nil {
		logrus.Errorf("Failed to write record entry: %v", err)
	}
}

func (r *Sink) closeFile(rf *recordFile) {
	if rf != nil && rf.file != nil {
		if err := rf.file.Close(); err != nil {
			logrus.Errorf("Failed to close record file: %v", err)
		}
	}
}

// Close closes all open record files
func (r *Sink) Close() {
	if !r.IsEnabled() {
		return
	}
	r.mutex.Lock()
	defer r.mutex.Unlock()

	for _, rf := range r.fileMap {
		r.closeFile(rf)
	}
	r.fileMap = make(map[string]*recordFile)
	logrus.Info("Record sink closed")
}

// BaseDir returns the base directory for recordings
func (r *Sink) BaseDir() string {
	return r.baseDir
}
