package receipt

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Writer persists finished receipts.
type Writer interface {
	Write(r Receipt) error
	Close() error
}

// Mode selects the write strategy for the receipt file.
type Mode string

const (
	// ModeOverwrite keeps only the latest receipt as a single JSON object.
	ModeOverwrite Mode = "overwrite"
	// ModeAppend accumulates receipts as JSONL, one object per line.
	ModeAppend Mode = "append"
)

type fileWriter struct {
	mu   sync.Mutex
	file *os.File
	mode Mode
}

// NewWriter opens (or creates) the receipt file at path. Unknown modes
// fall back to overwrite.
func NewWriter(path string, mode string) (Writer, error) {
	m := Mode(mode)
	if m != ModeOverwrite && m != ModeAppend {
		m = ModeOverwrite
	}

	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create receipt dir: %w", err)
		}
	}

	flag := os.O_CREATE | os.O_WRONLY
	if m == ModeAppend {
		flag |= os.O_APPEND
	} else {
		flag |= os.O_TRUNC
	}

	f, err := os.OpenFile(path, flag, 0644)
	if err != nil {
		return nil, fmt.Errorf("open receipt file: %w", err)
	}

	return &fileWriter{file: f, mode: m}, nil
}

func (w *fileWriter) Write(r Receipt) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal receipt: %w", err)
	}
	if w.mode == ModeAppend {
		data = append(data, '\n')
	}

	if _, err := w.file.Write(data); err != nil {
		return fmt.Errorf("write receipt: %w", err)
	}
	// Receipts are the audit record of the invocation; flush so a
	// crash after a transition does not lose them.
	return w.file.Sync()
}

func (w *fileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file != nil {
		return w.file.Close()
	}
	return nil
}
