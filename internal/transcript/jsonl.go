package transcript

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/runledger/runledger/internal/record"
)

// mirror maintains the secondary JSONL transcript: one append-only file
// per (execution, instance) scope, one JSON object per line. The mirror
// exists for offline inspection with line tools; the store remains the
// source of truth and mirror failures never fail an append.
type mirror struct {
	dir string

	mu     sync.Mutex
	files  map[scopeKey]*mirrorFile
	closed bool
}

type mirrorFile struct {
	f   *os.File
	buf *bufio.Writer
	enc *json.Encoder
}

func newMirror(dir string) *mirror {
	return &mirror{
		dir:   dir,
		files: make(map[scopeKey]*mirrorFile),
	}
}

func (m *mirror) append(e record.TranscriptEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("mirror closed")
	}

	key := scopeKey{executionID: e.ExecutionID, instanceID: e.InstanceID}
	mf, ok := m.files[key]
	if !ok {
		opened, err := m.open(key)
		if err != nil {
			return err
		}
		mf = opened
		m.files[key] = mf
	}

	if err := mf.enc.Encode(e); err != nil {
		return fmt.Errorf("encode mirror line: %w", err)
	}
	return nil
}

func (m *mirror) open(key scopeKey) (*mirrorFile, error) {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create mirror dir: %w", err)
	}

	name := fileSafe(key.executionID) + "__" + fileSafe(key.instanceID) + ".jsonl"
	f, err := os.OpenFile(filepath.Join(m.dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open mirror file: %w", err)
	}

	buf := bufio.NewWriter(f)
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	return &mirrorFile{f: f, buf: buf, enc: enc}, nil
}

func (m *mirror) flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}

	var firstErr error
	for key, mf := range m.files {
		if err := mf.buf.Flush(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("flush mirror %s/%s: %w", key.executionID, key.instanceID, err)
		}
	}
	return firstErr
}

func (m *mirror) close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true

	var firstErr error
	for key, mf := range m.files {
		if err := mf.buf.Flush(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("flush mirror %s/%s: %w", key.executionID, key.instanceID, err)
		}
		if err := mf.f.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close mirror %s/%s: %w", key.executionID, key.instanceID, err)
		}
	}
	m.files = nil
	return firstErr
}

// fileSafe maps an identifier onto a conservative filename alphabet.
func fileSafe(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, id)
}
