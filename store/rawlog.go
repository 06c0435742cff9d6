package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// RawEntry is one line of the raw payload log.
type RawEntry struct {
	Timestamp time.Time       `json:"timestamp"`
	Identity  string          `json:"identity"`
	Kind      string          `json:"kind"`
	Data      json.RawMessage `json:"data"`
}

// RawLog appends newline-delimited JSON entries to a file.
type RawLog struct {
	file    *os.File
	writer  *bufio.Writer
	encoder *json.Encoder
	mu      sync.Mutex
}

// NewRawLog opens filename for appending, creating it when missing.
func NewRawLog(filename string) (*RawLog, error) {
	if err := ensureDir(filename); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(filename, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open raw log: %w", err)
	}

	buffer := bufio.NewWriter(f)
	return &RawLog{
		file:    f,
		writer:  buffer,
		encoder: json.NewEncoder(buffer),
	}, nil
}

// Record appends one entry and flushes it.
func (l *RawLog) Record(kind, identity string, payload json.RawMessage) error {
	if !json.Valid(payload) {
		encoded, err := json.Marshal(string(payload))
		if err != nil {
			return fmt.Errorf("encode raw payload: %w", err)
		}
		payload = encoded
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry := RawEntry{
		Timestamp: time.Now().UTC(),
		Identity:  identity,
		Kind:      kind,
		Data:      payload,
	}
	if err := l.encoder.Encode(entry); err != nil {
		return fmt.Errorf("encode raw entry: %w", err)
	}
	if err := l.writer.Flush(); err != nil {
		return fmt.Errorf("flush raw log: %w", err)
	}
	return nil
}

// Close flushes buffers and closes the underlying file.
func (l *RawLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.writer.Flush(); err != nil {
		return fmt.Errorf("flush raw log: %w", err)
	}
	return l.file.Close()
}
