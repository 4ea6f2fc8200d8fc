// Package callstore persists call records to an append-only, newline-delimited
// JSON log. It owns no business logic: appends, replay, and history reads only.
//
// Durability is best-effort per append. A failed append is logged and the
// in-memory state stays authoritative until the next successful one; a crash
// between a state mutation and its append loses at most that last transition,
// which the next event or the next restart's replay reconciles.
package callstore

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/davidleathers/voice-gateway-backend/internal/domain/call"
)

// Store is the append-only call log. The file has a single writer; appends
// are serialized by the mutex.
type Store struct {
	path   string
	logger *zap.Logger

	mu   sync.Mutex
	file *os.File
}

// maxLineSize bounds a single log line during scans. Records are small;
// 1 MiB leaves generous headroom for large idempotency ledgers.
const maxLineSize = 1 << 20

// New opens (creating if needed) the log at path.
func New(path string, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening call store %s: %w", path, err)
	}
	return &Store{path: path, logger: logger, file: f}, nil
}

// Append writes one serialized record as a new line.
func (s *Store) Append(c *call.Call) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling call %s: %w", c.ID, err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.file.Write(data); err != nil {
		return fmt.Errorf("appending call %s: %w", c.ID, err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("syncing call store: %w", err)
	}
	return nil
}

// LoadActiveCalls replays the whole log: folds multiple lines per call ID to
// the most recent one, unions each call's processed-event ledger across all
// of its lines, and drops calls whose latest state is terminal. Malformed
// lines are skipped, never fatal.
func (s *Store) LoadActiveCalls() ([]*call.Call, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening call store %s: %w", s.path, err)
	}
	defer f.Close()

	latest := make(map[string]*call.Call)
	processed := make(map[string]map[string]bool)
	order := make(map[string]int)
	seq := 0

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var c call.Call
		if err := json.Unmarshal(line, &c); err != nil {
			s.logger.Warn("skipping malformed call store line", zap.Error(err))
			continue
		}
		if c.ID == "" {
			s.logger.Warn("skipping call store line without id")
			continue
		}
		if _, seen := latest[c.ID]; !seen {
			order[c.ID] = seq
			seq++
		}
		latest[c.ID] = &c
		if processed[c.ID] == nil {
			processed[c.ID] = make(map[string]bool)
		}
		for id := range c.ProcessedEventIDs {
			processed[c.ID][id] = true
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning call store %s: %w", s.path, err)
	}

	active := make([]*call.Call, 0, len(latest))
	for id, c := range latest {
		if c.Status.IsTerminal() {
			continue
		}
		c.ProcessedEventIDs = processed[id]
		active = append(active, c)
	}
	sort.Slice(active, func(i, j int) bool {
		return order[active[i].ID] < order[active[j].ID]
	})
	return active, nil
}

// History returns up to limit of the most recent raw log lines, each parsed
// independently and most recent first. There is deliberately no per-call
// deduplication: this is a transition transcript, not a current-state view.
func (s *Store) History(limit int) ([]*call.Call, error) {
	if limit <= 0 {
		return nil, nil
	}
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening call store %s: %w", s.path, err)
	}
	defer f.Close()

	var records []*call.Call
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var c call.Call
		if err := json.Unmarshal(line, &c); err != nil {
			continue
		}
		records = append(records, &c)
		if len(records) > limit {
			records = records[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning call store %s: %w", s.path, err)
	}

	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}
	return records, nil
}

// Close releases the underlying file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}
