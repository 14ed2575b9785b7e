package session

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// JSONL record types for the journal
const (
	RecordTypeHeader = "header" // Run metadata at creation
	RecordTypeEvent  = "event"  // Individual event
	RecordTypeStatus = "status" // Non-terminal status change
	RecordTypeFooter = "footer" // Final state
)

// JSONLRecord is a wrapper for journal lines with type discrimination.
// Every line is self-contained so runs can be rebuilt from any prefix.
type JSONLRecord struct {
	RecordType string `json:"_type"`

	// Event fields (when _type == "event")
	*Event `json:",omitempty"`

	// Run fields (header, status, footer)
	Run *RunInfo `json:"run,omitempty"`
}

// Journal is durable storage for events and run state changes.
type Journal interface {
	WriteEvent(ev Event) error
	WriteRun(recordType string, info RunInfo) error
	Close() error
}

// FileJournal appends JSONL records to a single file. Each record is written
// with one write call and optionally synced, so a crash can tear at most the
// final line.
type FileJournal struct {
	mu    sync.Mutex
	f     *os.File
	path  string
	fsync bool
}

// OpenJournal opens (or creates) the journal at path. A torn final line left
// by a crash is truncated before new records are appended.
func OpenJournal(path string, fsync bool) (*FileJournal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}
	if err := trimTornTail(path); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	return &FileJournal{f: f, path: path, fsync: fsync}, nil
}

// trimTornTail cuts the file back to its last newline.
func trimTornTail(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read journal: %w", err)
	}
	if len(data) == 0 || data[len(data)-1] == '\n' {
		return nil
	}
	keep := bytes.LastIndexByte(data, '\n') + 1
	if err := os.Truncate(path, int64(keep)); err != nil {
		return fmt.Errorf("failed to truncate torn journal record: %w", err)
	}
	return nil
}

// Path returns the journal file path.
func (j *FileJournal) Path() string { return j.path }

// WriteEvent appends an event record.
func (j *FileJournal) WriteEvent(ev Event) error {
	evCopy := ev
	return j.writeLine(JSONLRecord{RecordType: RecordTypeEvent, Event: &evCopy})
}

// WriteRun appends a header, status or footer record.
func (j *FileJournal) WriteRun(recordType string, info RunInfo) error {
	return j.writeLine(JSONLRecord{RecordType: recordType, Run: &info})
}

// writeLine writes a single JSONL record.
func (j *FileJournal) writeLine(record JSONLRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	data = append(data, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.f.Write(data); err != nil {
		return fmt.Errorf("failed to write journal: %w", err)
	}
	if j.fsync {
		if err := j.f.Sync(); err != nil {
			return fmt.Errorf("failed to sync journal: %w", err)
		}
	}
	return nil
}

// Close closes the journal file.
func (j *FileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.f.Close()
}

// JournalRun is one run rebuilt from a journal.
type JournalRun struct {
	Info   RunInfo
	Events []Event
}

// ReadJournal rebuilds every run in a journal file, in order of first appearance.
func ReadJournal(path string) ([]*JournalRun, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	records, err := ReadRecords(f)
	if err != nil {
		return nil, err
	}
	return groupRuns(records), nil
}

// ReadRecords parses JSONL records. A final line without a trailing newline
// that does not parse is treated as a torn write and skipped.
func ReadRecords(r io.Reader) ([]JSONLRecord, error) {
	// Use bufio.Reader instead of Scanner - no line length limits
	reader := bufio.NewReader(r)
	var records []JSONLRecord
	lineNo := 0

	for {
		line, err := reader.ReadBytes('\n')
		if err != nil && err != io.EOF {
			return nil, fmt.Errorf("error reading JSONL: %w", err)
		}
		atEOF := err == io.EOF
		lineNo++

		trimmed := bytes.TrimSpace(line)
		if len(trimmed) > 0 {
			var record JSONLRecord
			if parseErr := json.Unmarshal(trimmed, &record); parseErr != nil {
				if atEOF {
					break
				}
				return nil, fmt.Errorf("failed to parse JSONL line %d: %w", lineNo, parseErr)
			}
			records = append(records, record)
		}
		if atEOF {
			break
		}
	}
	return records, nil
}

func groupRuns(records []JSONLRecord) []*JournalRun {
	var order []*JournalRun
	byID := make(map[string]*JournalRun)
	get := func(id string) *JournalRun {
		if jr, ok := byID[id]; ok {
			return jr
		}
		jr := &JournalRun{Info: RunInfo{ID: id}}
		byID[id] = jr
		order = append(order, jr)
		return jr
	}

	for _, rec := range records {
		switch rec.RecordType {
		case RecordTypeHeader, RecordTypeStatus, RecordTypeFooter:
			if rec.Run != nil {
				get(rec.Run.ID).Info = *rec.Run
			}
		case RecordTypeEvent:
			if rec.Event != nil {
				jr := get(rec.Event.RunID)
				jr.Events = append(jr.Events, *rec.Event)
			}
		}
	}
	return order
}
