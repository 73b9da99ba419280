// Package reportsink exports coordinator reports to a local directory or an
// S3 (or S3-compatible) bucket.
package reportsink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors for sink operations.
var (
	// ErrAccessDenied indicates insufficient permissions on the destination.
	ErrAccessDenied = errors.New("access denied")

	// ErrBucketNotFound indicates the destination bucket does not exist.
	ErrBucketNotFound = errors.New("bucket not found")

	// ErrInvalidCredentials indicates authentication failed.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrUnavailable indicates the destination service is unavailable or throttling.
	ErrUnavailable = errors.New("destination unavailable")
)

// SinkError wraps a write failure with its destination.
type SinkError struct {
	Op          string
	Destination string
	Err         error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("report sink %s %s: %v", e.Op, e.Destination, e.Err)
}

func (e *SinkError) Unwrap() error {
	return e.Err
}

// Sink stores a named report and returns where it was written.
type Sink interface {
	Write(ctx context.Context, name string, data []byte) (string, error)
}

// Config selects and configures a sink.
type Config struct {
	// Destination is a directory path or s3://bucket/prefix.
	Destination string

	// S3 settings; ignored for directory destinations.
	Region          string
	Endpoint        string
	Profile         string
	AccessKeyID     string
	SecretAccessKey string
	ForcePathStyle  bool
}

// New returns a sink for cfg.Destination.
func New(ctx context.Context, cfg Config) (Sink, error) {
	dest := strings.TrimSpace(cfg.Destination)
	if dest == "" {
		return nil, errors.New("report destination is required")
	}
	if strings.HasPrefix(dest, "s3://") {
		bucket, prefix, err := ParseS3URI(dest)
		if err != nil {
			return nil, err
		}
		return NewS3(ctx, S3Config{
			Bucket:          bucket,
			Prefix:          prefix,
			Region:          cfg.Region,
			Endpoint:        cfg.Endpoint,
			Profile:         cfg.Profile,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
			ForcePathStyle:  cfg.ForcePathStyle,
		})
	}
	if strings.Contains(dest, "://") {
		return nil, fmt.Errorf("unsupported report destination %q", dest)
	}
	return NewFile(dest), nil
}

// ParseS3URI splits s3://bucket/prefix into bucket and prefix. The prefix,
// when present, has no leading slash and ends with one.
func ParseS3URI(uri string) (bucket, prefix string, err error) {
	rest, ok := strings.CutPrefix(uri, "s3://")
	if !ok {
		return "", "", fmt.Errorf("not an s3 uri: %q", uri)
	}
	bucket, prefix, _ = strings.Cut(rest, "/")
	if bucket == "" {
		return "", "", fmt.Errorf("s3 uri %q has no bucket", uri)
	}
	prefix = strings.Trim(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return bucket, prefix, nil
}

// ReportName returns the object name for a report taken at t.
func ReportName(kind string, t time.Time) string {
	return fmt.Sprintf("%s-%s.json", kind, t.UTC().Format("20060102T150405Z"))
}

// Export encodes v as indented JSON and writes it under ReportName(kind, at).
func Export(ctx context.Context, sink Sink, kind string, at time.Time, v any) (string, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal %s report: %w", kind, err)
	}
	b = append(b, '\n')
	return sink.Write(ctx, ReportName(kind, at), b)
}
