package us

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	triedEmptyFile    = ".tried-empty"
	lastCompletedFile = ".last-completed"
)

// progressTracker keeps two checkpoint files in dir: the symbols that
// returned no bars for the current end date, and the last end date that
// finished.
type progressTracker struct {
	mu         sync.Mutex
	dir        string
	triedEmpty map[string]struct{}
	file       *os.File
	writer     *bufio.Writer
}

func newProgressTracker(dir string) (*progressTracker, error) {
	if dir == "" {
		return nil, fmt.Errorf("progress directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating progress dir: %w", err)
	}

	pt := &progressTracker{dir: dir, triedEmpty: make(map[string]struct{})}
	if data, err := os.ReadFile(pt.path(triedEmptyFile)); err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			if sym := strings.TrimSpace(line); sym != "" {
				pt.triedEmpty[sym] = struct{}{}
			}
		}
	}
	if err := pt.open(); err != nil {
		return nil, err
	}
	return pt, nil
}

func (p *progressTracker) path(name string) string { return filepath.Join(p.dir, name) }

func (p *progressTracker) open() error {
	f, err := os.OpenFile(p.path(triedEmptyFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening %s: %w", triedEmptyFile, err)
	}
	p.file = f
	p.writer = bufio.NewWriter(f)
	return nil
}

// IsTriedEmpty reports whether symbol already came back without data.
func (p *progressTracker) IsTriedEmpty(symbol string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.triedEmpty[symbol]
	return ok
}

// MarkEmpty records symbols that came back without data.
func (p *progressTracker) MarkEmpty(symbols []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, sym := range symbols {
		if _, ok := p.triedEmpty[sym]; ok {
			continue
		}
		p.triedEmpty[sym] = struct{}{}
		if _, err := p.writer.WriteString(sym + "\n"); err != nil {
			return fmt.Errorf("writing %s: %w", triedEmptyFile, err)
		}
	}
	return p.writer.Flush()
}

// MarkCompleted records date as the last finished end date.
func (p *progressTracker) MarkCompleted(date string) error {
	return os.WriteFile(p.path(lastCompletedFile), []byte(date), 0o644)
}

// IsCompleted reports whether date is the last finished end date.
func (p *progressTracker) IsCompleted(date string) bool {
	return p.LastCompleted() == date
}

// LastCompleted returns the last finished end date, or "".
func (p *progressTracker) LastCompleted() string {
	data, err := os.ReadFile(p.path(lastCompletedFile))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// Reset forgets every tried-empty symbol.
func (p *progressTracker) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.file != nil {
		p.file.Close()
	}
	p.triedEmpty = make(map[string]struct{})
	if err := os.Remove(p.path(triedEmptyFile)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return p.open()
}

// Close flushes and closes the tried-empty file.
func (p *progressTracker) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writer != nil {
		p.writer.Flush()
	}
	if p.file != nil {
		return p.file.Close()
	}
	return nil
}

// ResetProgress removes the checkpoint files in dir so the next run fetches
// every symbol again.
func ResetProgress(dir string) error {
	for _, name := range []string{triedEmptyFile, lastCompletedFile} {
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
