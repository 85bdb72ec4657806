package audit

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
)

// WriterSink writes each entry as one JSON line prefixed with "AUDIT: ", for
// shipping through an ordinary log pipeline.
type WriterSink struct {
	mu     sync.Mutex
	writer io.Writer
}

// NewWriterSink creates a sink writing to w, or os.Stdout when w is nil.
func NewWriterSink(w io.Writer) *WriterSink {
	if w == nil {
		w = os.Stdout
	}
	return &WriterSink{writer: w}
}

func (s *WriterSink) Write(ctx context.Context, e Entry) error {
	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.writer.Write(append([]byte("AUDIT: "), append(line, '\n')...))
	return err
}

// MultiSink writes to every sink in order and stops at the first failure.
type MultiSink []Sink

func (m MultiSink) Write(ctx context.Context, e Entry) error {
	for _, s := range m {
		if err := s.Write(ctx, e); err != nil {
			return err
		}
	}
	return nil
}
