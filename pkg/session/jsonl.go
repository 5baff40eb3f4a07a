package session

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const jsonlExt = ".jsonl"

// record is one line of a session log. Lines written by the same Append share
// a batch id; seq counts 0..size-1 inside the batch.
type record struct {
	Batch string       `json:"batch"`
	Seq   int          `json:"seq"`
	Size  int          `json:"size"`
	Entry HistoryEntry `json:"entry"`
}

// JSONLStore keeps one <key>.jsonl file per session.
type JSONLStore struct {
	dir    string
	logger zerolog.Logger

	locksMu    sync.Mutex
	writeLocks map[string]*sync.Mutex
}

func NewJSONLStore(dir string, logger zerolog.Logger) (*JSONLStore, error) {
	if dir == "" {
		return nil, errors.New("session directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}
	return &JSONLStore{
		dir:        dir,
		logger:     logger.With().Str("component", "session_store").Str("backend", "jsonl").Logger(),
		writeLocks: make(map[string]*sync.Mutex),
	}, nil
}

func (s *JSONLStore) path(key string) string {
	return filepath.Join(s.dir, key+jsonlExt)
}

func (s *JSONLStore) writeLock(key string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	l, ok := s.writeLocks[key]
	if !ok {
		l = &sync.Mutex{}
		s.writeLocks[key] = l
	}
	return l
}

func (s *JSONLStore) Append(_ context.Context, key string, entries []HistoryEntry) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	batch := uuid.NewString()
	var buf []byte
	for i, e := range entries {
		line, err := json.Marshal(record{Batch: batch, Seq: i, Size: len(entries), Entry: e})
		if err != nil {
			return fmt.Errorf("failed to marshal entry: %w", err)
		}
		buf = append(buf, line...)
		buf = append(buf, '\n')
	}

	l := s.writeLock(key)
	l.Lock()
	defer l.Unlock()

	f, err := os.OpenFile(s.path(key), os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open session file: %w", err)
	}
	defer f.Close()

	// A crash can leave a torn last line; start the batch on a fresh line so
	// the torn bytes stay isolated.
	if torn, err := endsMidLine(f); err != nil {
		return fmt.Errorf("failed to inspect session file: %w", err)
	} else if torn {
		buf = append([]byte{'\n'}, buf...)
	}

	if _, err := f.Write(buf); err != nil {
		return fmt.Errorf("failed to write session batch: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync session file: %w", err)
	}
	return nil
}

func endsMidLine(f *os.File) (bool, error) {
	info, err := f.Stat()
	if err != nil {
		return false, err
	}
	if info.Size() == 0 {
		return false, nil
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, info.Size()-1); err != nil {
		return false, err
	}
	return last[0] != '\n', nil
}

func (s *JSONLStore) Load(_ context.Context, key string) ([]HistoryEntry, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}

	f, err := os.Open(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open session file: %w", err)
	}
	defer f.Close()

	return replay(f, s.logger.With().Str("session_key", key).Logger())
}

// replay keeps only complete batches, in file order.
func replay(r io.Reader, logger zerolog.Logger) ([]HistoryEntry, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var (
		entries []HistoryEntry
		pending []HistoryEntry
		batch   string
		size    int
		lineNo  int
	)

	dropPending := func(reason string) {
		if len(pending) > 0 {
			logger.Warn().Str("batch", batch).Int("have", len(pending)).Int("want", size).Msg("Dropping incomplete batch: " + reason)
		}
		pending, batch, size = nil, "", 0
	}

	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}

		var rec record
		if err := json.Unmarshal(line, &rec); err != nil {
			logger.Warn().Err(err).Int("line", lineNo).Msg("Skipping unreadable session line")
			dropPending("unreadable line inside batch")
			continue
		}

		if rec.Seq == 0 {
			dropPending("superseded by a new batch")
			batch, size = rec.Batch, rec.Size
		} else if rec.Batch != batch || rec.Seq != len(pending) {
			logger.Warn().Int("line", lineNo).Str("batch", rec.Batch).Msg("Skipping out-of-sequence session line")
			dropPending("sequence gap")
			continue
		}

		pending = append(pending, rec.Entry)
		if len(pending) == size {
			entries = append(entries, pending...)
			pending, batch, size = nil, "", 0
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}
	dropPending("truncated at end of log")

	return entries, nil
}

func (s *JSONLStore) List(_ context.Context) ([]string, error) {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read sessions directory: %w", err)
	}
	var keys []string
	for _, de := range dirEntries {
		if de.IsDir() || !strings.HasSuffix(de.Name(), jsonlExt) {
			continue
		}
		keys = append(keys, strings.TrimSuffix(de.Name(), jsonlExt))
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *JSONLStore) Close() error { return nil }
