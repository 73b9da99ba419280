package output

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// Writer emits JSONL records. Implementations are safe for concurrent use
// and emit each record as one complete line.
type Writer interface {
	// WriteSubmit emits a submit record.
	WriteSubmit(ctx context.Context, rec *SubmitRecord) error

	// WriteError emits an error record.
	WriteError(ctx context.Context, rec *ErrorRecord) error

	// WriteWave emits a wave record.
	WriteWave(ctx context.Context, rec *WaveRecord) error

	// WriteSummary emits a summary record.
	WriteSummary(ctx context.Context, rec *SummaryRecord) error

	// Close flushes any buffered output. Later writes return ErrWriterClosed.
	Close() error
}

// JSONLWriter writes records as newline-delimited JSON to an io.Writer.
// Writes are serialized so lines never interleave.
type JSONLWriter struct {
	w       io.Writer
	batchID string
	source  string
	now     func() time.Time

	mu     sync.Mutex
	closed bool
}

// NewJSONLWriter creates a writer stamping every record with batchID and
// source.
func NewJSONLWriter(w io.Writer, batchID, source string) *JSONLWriter {
	return &JSONLWriter{w: w, batchID: batchID, source: source, now: time.Now}
}

func (jw *JSONLWriter) WriteSubmit(ctx context.Context, rec *SubmitRecord) error {
	return jw.writeRecord(ctx, TypeSubmit, rec)
}

func (jw *JSONLWriter) WriteError(ctx context.Context, rec *ErrorRecord) error {
	return jw.writeRecord(ctx, TypeError, rec)
}

func (jw *JSONLWriter) WriteWave(ctx context.Context, rec *WaveRecord) error {
	return jw.writeRecord(ctx, TypeWave, rec)
}

func (jw *JSONLWriter) WriteSummary(ctx context.Context, rec *SummaryRecord) error {
	return jw.writeRecord(ctx, TypeSummary, rec)
}

// Close marks the writer closed. The underlying io.Writer is left open.
func (jw *JSONLWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()
	jw.closed = true
	return nil
}

func (jw *JSONLWriter) writeRecord(ctx context.Context, recordType string, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dataBytes, err := json.Marshal(data)
	if err != nil {
		return &WriteError{Op: "marshal_data", Err: err}
	}

	jw.mu.Lock()
	defer jw.mu.Unlock()

	if jw.closed {
		return ErrWriterClosed
	}

	line, err := json.Marshal(Record{
		Type:    recordType,
		TS:      jw.now().UTC(),
		BatchID: jw.batchID,
		Source:  jw.source,
		Data:    dataBytes,
	})
	if err != nil {
		return &WriteError{Op: "marshal_record", Err: err}
	}

	// io.Writer may report a short write with a nil error; a partial line
	// would corrupt the stream.
	line = append(line, '\n')
	if err := writeAll(jw.w, line); err != nil {
		return &WriteError{Op: "write", Err: err}
	}
	return nil
}

func writeAll(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}

var _ Writer = (*JSONLWriter)(nil)
