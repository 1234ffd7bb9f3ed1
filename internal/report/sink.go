// Package report persists run reports to files, S3 buckets or Postgres.
package report

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/FairForge/linkload/internal/loadtest"
)

// ErrUnsupportedDestination is returned for destinations with an unknown scheme.
var ErrUnsupportedDestination = errors.New("report: unsupported destination")

// Sink stores a finished run report.
type Sink interface {
	Write(ctx context.Context, r *loadtest.Report) error
	Close() error
}

// Options configure the sinks Open can create.
type Options struct {
	S3 S3Options
}

// Open picks a sink by destination: s3://bucket/key, postgres:// or
// postgresql:// DSNs, and anything else as a local path.
func Open(ctx context.Context, destination string, opts Options) (Sink, error) {
	scheme, rest, found := strings.Cut(destination, "://")
	if !found {
		return NewFileSink(destination), nil
	}
	switch scheme {
	case "file":
		return NewFileSink(rest), nil
	case "s3":
		bucket, key, _ := strings.Cut(rest, "/")
		if bucket == "" || key == "" {
			return nil, fmt.Errorf("%w: s3 destination needs bucket and key: %s", ErrUnsupportedDestination, destination)
		}
		client, err := NewS3Client(ctx, opts.S3)
		if err != nil {
			return nil, err
		}
		return NewS3Sink(client, bucket, key), nil
	case "postgres", "postgresql":
		return OpenPostgres(destination)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDestination, scheme)
	}
}

// Expand fills {phase} and {label} in a destination template. A missing
// label falls back to the run ID.
func Expand(template string, r *loadtest.Report) string {
	phase := r.Phase
	if phase == "" {
		phase = "default"
	}
	label := r.Label
	if label == "" {
		label = r.RunID
	}
	return strings.NewReplacer("{phase}", phase, "{label}", label).Replace(template)
}

// Compression is chosen from the destination suffix.
type Compression string

const (
	CompressionNone Compression = ""
	CompressionGzip Compression = "gzip"
	CompressionZstd Compression = "zstd"
)

// CompressionFor maps .gz and .zst suffixes to their codec.
func CompressionFor(name string) Compression {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".gz":
		return CompressionGzip
	case ".zst":
		return CompressionZstd
	default:
		return CompressionNone
	}
}

// Encode writes r as JSON, compressed with c.
func Encode(w io.Writer, r *loadtest.Report, c Compression) error {
	switch c {
	case CompressionGzip:
		zw := gzip.NewWriter(w)
		if err := r.Encode(zw); err != nil {
			_ = zw.Close()
			return err
		}
		return zw.Close()
	case CompressionZstd:
		zw, err := zstd.NewWriter(w, zstd.WithEncoderConcurrency(1))
		if err != nil {
			return fmt.Errorf("create zstd writer: %w", err)
		}
		if err := r.Encode(zw); err != nil {
			_ = zw.Close()
			return err
		}
		return zw.Close()
	default:
		return r.Encode(w)
	}
}

// Decode reads a report written by Encode.
func Decode(rd io.Reader, c Compression) (*loadtest.Report, error) {
	switch c {
	case CompressionGzip:
		zr, err := gzip.NewReader(rd)
		if err != nil {
			return nil, fmt.Errorf("open gzip: %w", err)
		}
		defer func() { _ = zr.Close() }()
		return loadtest.DecodeReport(zr)
	case CompressionZstd:
		zr, err := zstd.NewReader(rd, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, fmt.Errorf("open zstd: %w", err)
		}
		defer zr.Close()
		return loadtest.DecodeReport(zr)
	default:
		return loadtest.DecodeReport(rd)
	}
}
