// Package fixlog persists the supervisor's fix history as append-only JSON
// lines. The history drives cooldowns, attempt caps, and recurring
// root-cause detection, so it must survive supervisor restarts.
package fixlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// FixType classifies what the supervisor changed.
type FixType string

const (
	FixRestart FixType = "restart"
	FixConfig  FixType = "config"
	FixCode    FixType = "code"
)

// Outcome records whether a fix verified.
type Outcome string

const (
	OutcomeVerifiedOK   Outcome = "verified_ok"
	OutcomeNotRecovered Outcome = "not_recovered"
	OutcomePending      Outcome = "pending"
)

// FixAttempt is one supervisor intervention.
type FixAttempt struct {
	WorkerID     int       `json:"worker_id"`
	TS           time.Time `json:"ts"`
	RootCause    string    `json:"root_cause"`
	FixType      FixType   `json:"fix_type"`
	Params       string    `json:"params,omitempty"`
	Outcome      Outcome   `json:"outcome"`
	AttemptIndex int       `json:"attempt_index"`
}

// Log is the append-only fix history.
type Log struct {
	mu   sync.Mutex
	path string

	// attempts is the in-memory replica, oldest first.
	attempts []FixAttempt
}

// Open loads (or creates) the history at path. Malformed lines, such as a
// torn tail from a crash mid-append, are skipped.
func Open(path string) (*Log, error) {
	l := &Log{path: path}

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open fix history: %w", err)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 64*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var a FixAttempt
		if err := json.Unmarshal([]byte(line), &a); err != nil {
			continue
		}
		l.attempts = append(l.attempts, a)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read fix history: %w", err)
	}
	return l, nil
}

// Append records one attempt durably.
func (l *Log) Append(a FixAttempt) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal fix attempt: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open fix history: %w", err)
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append fix attempt: %w", err)
	}

	l.attempts = append(l.attempts, a)
	return nil
}

// UpdateLastOutcome rewrites the outcome of the most recent attempt for
// workerID, in memory and on disk.
func (l *Log) UpdateLastOutcome(workerID int, outcome Outcome) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx := -1
	for i := len(l.attempts) - 1; i >= 0; i-- {
		if l.attempts[i].WorkerID == workerID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("no fix attempt recorded for worker %d", workerID)
	}
	l.attempts[idx].Outcome = outcome
	return l.rewrite()
}

// rewrite replaces the file with the in-memory state. Called rarely (only on
// outcome updates), so a full rewrite is fine.
func (l *Log) rewrite() error {
	tmp := l.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, a := range l.attempts {
		data, err := json.Marshal(a)
		if err != nil {
			_ = f.Close()
			return err
		}
		if _, err := w.Write(append(data, '\n')); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, l.path)
}

// ForWorker returns attempts for workerID since the cutoff, oldest first.
func (l *Log) ForWorker(workerID int, since time.Time) []FixAttempt {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []FixAttempt
	for _, a := range l.attempts {
		if a.WorkerID == workerID && a.TS.After(since) {
			out = append(out, a)
		}
	}
	return out
}

// FailedAttemptsInWindow counts attempts for workerID within the window that
// are not verified_ok, resetting at the latest verified_ok inside it.
func (l *Log) FailedAttemptsInWindow(workerID int, window time.Duration) int {
	attempts := l.ForWorker(workerID, time.Now().Add(-window))
	count := 0
	for _, a := range attempts {
		if a.Outcome == OutcomeVerifiedOK {
			count = 0
			continue
		}
		count++
	}
	return count
}

// LastAttempt returns the most recent attempt for workerID, or nil.
func (l *Log) LastAttempt(workerID int) *FixAttempt {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.attempts) - 1; i >= 0; i-- {
		if l.attempts[i].WorkerID == workerID {
			a := l.attempts[i]
			return &a
		}
	}
	return nil
}

// RecurrenceCount counts prior attempts for workerID whose root cause shares
// at least minOverlap keywords with rootCause.
func (l *Log) RecurrenceCount(workerID int, rootCause string, minOverlap int) int {
	want := Keywords(rootCause)
	l.mu.Lock()
	defer l.mu.Unlock()

	count := 0
	for _, a := range l.attempts {
		if a.WorkerID != workerID {
			continue
		}
		if overlap(want, Keywords(a.RootCause)) >= minOverlap {
			count++
		}
	}
	return count
}

// Keywords normalizes a root-cause string to its lowercase word set.
func Keywords(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, ".,:;()[]'\"")
		if len(w) > 2 {
			out[w] = struct{}{}
		}
	}
	return out
}

func overlap(a, b map[string]struct{}) int {
	n := 0
	for k := range a {
		if _, ok := b[k]; ok {
			n++
		}
	}
	return n
}
