package secevents

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	"southwinds.dev/secevents/internal/misc"
)

// SinkKind selects where pages are delivered
type SinkKind string

const (
	SinkConsole SinkKind = "console"
	SinkFile    SinkKind = "file"
)

// OutputFormat selects how a page is rendered
type OutputFormat string

const (
	// FormatRaw writes each page body as received, one per line
	FormatRaw OutputFormat = "raw"
	// FormatJSON writes one compact JSON event per line
	FormatJSON OutputFormat = "json"
)

// SinkConfig describes an output sink. Path and Compress only apply to SinkFile;
// a Path ending in .gz turns compression on.
type SinkConfig struct {
	Kind     SinkKind
	Path     string
	Compress bool
	Format   OutputFormat
}

// Sink receives pages. Write returns only once the page is durably handed
// off, which is what allows the checkpoint to advance past it.
type Sink interface {
	Write(ctx context.Context, page Page) error
	Close() error
}

// NewSink builds the sink described by cfg; console output goes to stdout
func NewSink(cfg SinkConfig, stdout io.Writer) (Sink, error) {
	format := cfg.Format
	if format == "" {
		format = FormatRaw
	}
	if format != FormatRaw && format != FormatJSON {
		return nil, validationErrorf("unknown output format %q", cfg.Format)
	}

	switch cfg.Kind {
	case SinkConsole, "":
		return &writerSink{w: stdout, format: format}, nil
	case SinkFile:
		return newFileSink(cfg, format)
	default:
		return nil, validationErrorf("unknown sink kind %q", cfg.Kind)
	}
}

type writerSink struct {
	w      io.Writer
	format OutputFormat
	flush  func() error
	close  func() error
	mu     sync.Mutex
}

func newFileSink(cfg SinkConfig, format OutputFormat) (Sink, error) {
	if cfg.Path == "" {
		return nil, validationErrorf("an output path is required for the file sink")
	}

	f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, misc.FilePermissions)
	if err != nil {
		return nil, fmt.Errorf("failed to open output file: %w", err)
	}

	if !cfg.Compress && !strings.HasSuffix(cfg.Path, ".gz") {
		return &writerSink{
			w:      f,
			format: format,
			flush:  f.Sync,
			close:  f.Close,
		}, nil
	}

	// each run appends a new gzip member, which readers concatenate
	gz := gzip.NewWriter(f)
	return &writerSink{
		w:      gz,
		format: format,
		flush: func() error {
			if err := gz.Flush(); err != nil {
				return err
			}
			return f.Sync()
		},
		close: func() error {
			gzErr := gz.Close()
			fErr := f.Close()
			if gzErr != nil {
				return gzErr
			}
			return fErr
		},
	}, nil
}

func (s *writerSink) Write(ctx context.Context, page Page) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := render(&buf, page, s.format); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write page %d: %w", page.Seq, err)
	}
	if s.flush != nil {
		if err := s.flush(); err != nil {
			return fmt.Errorf("failed to flush page %d: %w", page.Seq, err)
		}
	}
	return nil
}

func (s *writerSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.close == nil {
		return nil
	}
	err := s.close()
	s.close = nil
	return err
}

func render(buf *bytes.Buffer, page Page, format OutputFormat) error {
	if format == FormatRaw || page.Events == nil {
		if len(page.Body) == 0 {
			return nil
		}
		buf.Write(bytes.TrimRight(page.Body, "\r\n"))
		buf.WriteByte('\n')
		return nil
	}

	// json.Compact from go-json re-reads dst, so each event gets its own buffer
	var event bytes.Buffer
	for i, raw := range page.Events {
		event.Reset()
		if err := json.Compact(&event, raw); err != nil {
			return fmt.Errorf("page %d event %d is not valid JSON: %w", page.Seq, i, err)
		}
		buf.Write(event.Bytes())
		buf.WriteByte('\n')
	}
	return nil
}
