package output

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLine(t *testing.T, line []byte, data any) Record {
	t.Helper()
	var record Record
	require.NoError(t, json.Unmarshal(line, &record))
	if data != nil {
		require.NoError(t, json.Unmarshal(record.Data, data))
	}
	return record
}

func TestJSONLWriter_WriteSubmit(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "batch-123", "http://localhost:8080")
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return fixed }

	err := w.WriteSubmit(context.Background(), &SubmitRecord{Index: 2, TaskID: "t-1", TaskType: "unit_test", Priority: 7})
	require.NoError(t, err)

	var sub SubmitRecord
	record := decodeLine(t, buf.Bytes(), &sub)
	assert.Equal(t, TypeSubmit, record.Type)
	assert.Equal(t, "batch-123", record.BatchID)
	assert.Equal(t, "http://localhost:8080", record.Source)
	assert.Equal(t, fixed, record.TS)
	assert.Equal(t, SubmitRecord{Index: 2, TaskID: "t-1", TaskType: "unit_test", Priority: 7}, sub)
}

func TestJSONLWriter_WriteError(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "batch-123", "offline")

	err := w.WriteError(context.Background(), &ErrorRecord{
		Code:    ErrCodeConflict,
		Message: "task t-1 already exists",
		Index:   0,
		TaskID:  "t-1",
	})
	require.NoError(t, err)

	var rec ErrorRecord
	record := decodeLine(t, buf.Bytes(), &rec)
	assert.Equal(t, TypeError, record.Type)
	assert.Equal(t, ErrCodeConflict, rec.Code)
	assert.Equal(t, "t-1", rec.TaskID)
}

func TestJSONLWriter_WaveAndSummary(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "batch-123", "offline")
	ctx := context.Background()

	require.NoError(t, w.WriteWave(ctx, &WaveRecord{Wave: 0, TaskIDs: []string{"a", "b"}}))
	require.NoError(t, w.WriteSummary(ctx, &SummaryRecord{
		Tasks:         3,
		Accepted:      2,
		Rejected:      1,
		Duration:      1500 * time.Millisecond,
		DurationHuman: "1.5s",
	}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var wave WaveRecord
	assert.Equal(t, TypeWave, decodeLine(t, []byte(lines[0]), &wave).Type)
	assert.Equal(t, []string{"a", "b"}, wave.TaskIDs)

	var sum SummaryRecord
	assert.Equal(t, TypeSummary, decodeLine(t, []byte(lines[1]), &sum).Type)
	assert.Equal(t, 2, sum.Accepted)
	assert.Equal(t, 1500*time.Millisecond, sum.Duration)
}

func TestJSONLWriter_NewlineTerminated(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "b", "s")

	for i := 0; i < 3; i++ {
		require.NoError(t, w.WriteSubmit(context.Background(), &SubmitRecord{Index: i, TaskID: "t"}))
	}
	out := buf.String()
	assert.True(t, strings.HasSuffix(out, "\n"))
	assert.Equal(t, 3, strings.Count(out, "\n"))
}

func TestJSONLWriter_Close(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "b", "s")

	require.NoError(t, w.Close())
	err := w.WriteSubmit(context.Background(), &SubmitRecord{TaskID: "t"})
	assert.ErrorIs(t, err, ErrWriterClosed)
}

func TestJSONLWriter_ConcurrentWrites(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "b", "s")

	const writers = 10
	const perWriter = 100

	var wg sync.WaitGroup
	wg.Add(writers)
	for i := 0; i < writers; i++ {
		go func(id int) {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				_ = w.WriteSubmit(context.Background(), &SubmitRecord{Index: id*perWriter + j, TaskID: "t"})
			}
		}(i)
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, writers*perWriter)
	for i, line := range lines {
		var record Record
		assert.NoError(t, json.Unmarshal([]byte(line), &record), "line %d: %s", i, line)
	}
}

func TestJSONLWriter_ContextCancellation(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "b", "s")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := w.WriteSubmit(ctx, &SubmitRecord{TaskID: "t"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, buf.String())
}

type failingWriter struct {
	err error
}

func (f *failingWriter) Write(p []byte) (int, error) {
	return 0, f.err
}

type shortWriteWriter struct {
	buf           bytes.Buffer
	bytesPerWrite int
}

func (sw *shortWriteWriter) Write(p []byte) (int, error) {
	n := len(p)
	if n > sw.bytesPerWrite {
		n = sw.bytesPerWrite
	}
	return sw.buf.Write(p[:n])
}

type zeroWriteWriter struct{}

func (zeroWriteWriter) Write(p []byte) (int, error) {
	return 0, nil
}

func TestJSONLWriter_WriteFailures(t *testing.T) {
	t.Run("underlying error", func(t *testing.T) {
		w := NewJSONLWriter(&failingWriter{err: errors.New("disk full")}, "b", "s")
		err := w.WriteSubmit(context.Background(), &SubmitRecord{TaskID: "t"})
		require.Error(t, err)

		var writeErr *WriteError
		require.True(t, errors.As(err, &writeErr))
		assert.Equal(t, "write", writeErr.Op)
	})

	t.Run("short writes complete the line", func(t *testing.T) {
		sw := &shortWriteWriter{bytesPerWrite: 10}
		w := NewJSONLWriter(sw, "b", "s")
		require.NoError(t, w.WriteSubmit(context.Background(), &SubmitRecord{TaskID: "task-with-a-long-id"}))

		lines := strings.Split(strings.TrimSpace(sw.buf.String()), "\n")
		require.Len(t, lines, 1)
		assert.Equal(t, TypeSubmit, decodeLine(t, []byte(lines[0]), nil).Type)
	})

	t.Run("zero-byte write", func(t *testing.T) {
		w := NewJSONLWriter(zeroWriteWriter{}, "b", "s")
		err := w.WriteSubmit(context.Background(), &SubmitRecord{TaskID: "t"})
		assert.ErrorIs(t, err, io.ErrShortWrite)
	})

	t.Run("unmarshalable details", func(t *testing.T) {
		var buf bytes.Buffer
		w := NewJSONLWriter(&buf, "b", "s")
		err := w.WriteError(context.Background(), &ErrorRecord{Code: ErrCodeInternal, Details: make(chan int)})

		var writeErr *WriteError
		require.True(t, errors.As(err, &writeErr))
		assert.Equal(t, "marshal_data", writeErr.Op)
		assert.Empty(t, buf.String())
	})
}

func TestWriteError(t *testing.T) {
	underlying := errors.New("underlying error")
	err := &WriteError{Op: "marshal", Err: underlying}

	assert.Equal(t, "output: marshal: underlying error", err.Error())
	assert.ErrorIs(t, err, underlying)
}

func TestErrorRecord_OmitEmpty(t *testing.T) {
	b, err := json.Marshal(ErrorRecord{Code: ErrCodeValidation, Message: "bad", Index: -1})
	require.NoError(t, err)
	assert.NotContains(t, string(b), "task_id")
	assert.NotContains(t, string(b), "details")
	assert.Contains(t, string(b), `"index":-1`)
}
