// Package wal is an append-only spill log for records that could not be
// written to their primary store. Records are replayed and acknowledged later.
package wal

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Kind categorizes spilled records.
type Kind string

const (
	KindExperience  Kind = "experience"
	KindTrainingRun Kind = "training_run"
)

// Entry is a single spilled record.
type Entry struct {
	Seq       uint64          `json:"seq"`
	Timestamp time.Time       `json:"timestamp"`
	Agent     string          `json:"agent"`
	Kind      Kind            `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	Applied   bool            `json:"applied,omitempty"`
}

// line is one record in the log file: either an entry or an acknowledgement.
type line struct {
	Entry *Entry  `json:"entry,omitempty"`
	Ack   *uint64 `json:"ack,omitempty"`
}

const fileName = "spill.jsonl"

// WAL keeps the log in memory and mirrors every change to disk as an appended line.
type WAL struct {
	dir     string
	mu      sync.Mutex
	entries []Entry
	index   map[uint64]int
	next    uint64
	now     func() time.Time
}

// New creates or opens a WAL in the given directory.
func New(dir string) (*WAL, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create wal dir: %w", err)
	}
	w := &WAL{dir: dir, index: make(map[uint64]int), next: 1, now: time.Now}
	if err := w.load(); err != nil {
		return nil, fmt.Errorf("load wal: %w", err)
	}
	return w, nil
}

// Append spills a record and returns its sequence number.
func (w *WAL) Append(agent string, kind Kind, payload interface{}) (uint64, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal payload: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	e := Entry{
		Seq:       w.next,
		Timestamp: w.now().UTC(),
		Agent:     agent,
		Kind:      kind,
		Payload:   raw,
	}
	if err := w.write(line{Entry: &e}); err != nil {
		return 0, err
	}
	w.next++
	w.index[e.Seq] = len(w.entries)
	w.entries = append(w.entries, e)
	return e.Seq, nil
}

// MarkApplied acknowledges a record by sequence number.
func (w *WAL) MarkApplied(seq uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	i, ok := w.index[seq]
	if !ok {
		return fmt.Errorf("wal: unknown seq %d", seq)
	}
	if w.entries[i].Applied {
		return nil
	}
	if err := w.write(line{Ack: &seq}); err != nil {
		return err
	}
	w.entries[i].Applied = true
	return nil
}

// Unapplied returns records not yet acknowledged, oldest first.
func (w *WAL) Unapplied() []Entry {
	w.mu.Lock()
	defer w.mu.Unlock()

	var result []Entry
	for _, e := range w.entries {
		if !e.Applied {
			result = append(result, e)
		}
	}
	return result
}

// Pending returns the number of unacknowledged records.
func (w *WAL) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, e := range w.entries {
		if !e.Applied {
			n++
		}
	}
	return n
}

// Len returns the number of records, acknowledged or not.
func (w *WAL) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}

// Compact rewrites the log keeping only unacknowledged records.
func (w *WAL) Compact() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	kept := make([]Entry, 0, len(w.entries))
	for _, e := range w.entries {
		if e.Applied {
			continue
		}
		e := e
		if err := enc.Encode(line{Entry: &e}); err != nil {
			return fmt.Errorf("encode entry: %w", err)
		}
		kept = append(kept, e)
	}

	tmp := w.path() + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0640); err != nil {
		return fmt.Errorf("write compacted wal: %w", err)
	}
	if err := os.Rename(tmp, w.path()); err != nil {
		return fmt.Errorf("replace wal: %w", err)
	}

	w.entries = kept
	w.index = make(map[uint64]int, len(kept))
	for i, e := range kept {
		w.index[e.Seq] = i
	}
	return nil
}

func (w *WAL) path() string {
	return filepath.Join(w.dir, fileName)
}

func (w *WAL) write(l line) error {
	data, err := json.Marshal(l)
	if err != nil {
		return fmt.Errorf("encode wal line: %w", err)
	}
	f, err := os.OpenFile(w.path(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		return fmt.Errorf("open wal: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append wal: %w", err)
	}
	return nil
}

func (w *WAL) load() error {
	f, err := os.Open(w.path())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		if len(bytes.TrimSpace(sc.Bytes())) == 0 {
			continue
		}
		var l line
		if err := json.Unmarshal(sc.Bytes(), &l); err != nil {
			// A torn final write is dropped; everything before it is kept.
			break
		}
		switch {
		case l.Entry != nil:
			w.index[l.Entry.Seq] = len(w.entries)
			w.entries = append(w.entries, *l.Entry)
			if l.Entry.Seq >= w.next {
				w.next = l.Entry.Seq + 1
			}
		case l.Ack != nil:
			if i, ok := w.index[*l.Ack]; ok {
				w.entries[i].Applied = true
			}
		}
	}
	return sc.Err()
}
