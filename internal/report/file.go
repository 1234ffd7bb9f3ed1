package report

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/FairForge/linkload/internal/loadtest"
)

// FileSink writes reports to a local path template.
type FileSink struct {
	template string
}

func NewFileSink(template string) *FileSink {
	return &FileSink{template: template}
}

// Write creates parent directories and replaces any existing file.
func (s *FileSink) Write(ctx context.Context, r *loadtest.Report) error {
	path := Expand(s.template, r)
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create report dir: %w", err)
		}
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".report-*")
	if err != nil {
		return fmt.Errorf("create report file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if err := Encode(tmp, r, CompressionFor(path)); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write report %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write report %s: %w", path, err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("write report %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("write report %s: %w", path, err)
	}
	return nil
}

// Path returns where r would be written.
func (s *FileSink) Path(r *loadtest.Report) string {
	return Expand(s.template, r)
}

func (s *FileSink) Close() error { return nil }

// ReadFile loads a report written by FileSink, decompressing by suffix.
func ReadFile(path string) (*loadtest.Report, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}
	defer func() { _ = f.Close() }()
	return Decode(f, CompressionFor(path))
}
