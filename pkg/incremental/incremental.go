// Package incremental decides whether a task can be skipped because its
// inputs are unchanged and a prior result is still cached.
//
// Skipping is keyed by task content hash, never task id, so regenerated ids
// and reruns of identical work remain skippable.
package incremental

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/3leaps/gofleet/pkg/cache"
	"github.com/3leaps/gofleet/pkg/fleet"
)

const resultKeyPrefix = "test_result_"

// Config configures an Engine.
type Config struct {
	// ResultTTL bounds how long a cached result allows skipping.
	// Default: 24h
	ResultTTL time.Duration

	// HistorySize bounds the in-memory execution history.
	// Default: 100
	HistorySize int

	// Now returns the current time. Default: time.Now
	Now func() time.Time

	Logger *zap.Logger
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		ResultTTL:   24 * time.Hour,
		HistorySize: 100,
	}
}

// Record summarizes one cached execution.
type Record struct {
	TaskID       string             `json:"task_id"`
	TaskType     string             `json:"task_type"`
	ContentHash  string             `json:"content_hash"`
	Duration     time.Duration      `json:"duration"`
	Dependencies []string           `json:"dependencies,omitempty"`
	Usage        map[string]float64 `json:"resource_usage,omitempty"`
	RecordedAt   time.Time          `json:"recorded_at"`
}

type cachedResult struct {
	Result        json.RawMessage `json:"result,omitempty"`
	ExecutionTime float64         `json:"execution_time"`
	ContentHash   string          `json:"content_hash"`
	CachedAt      time.Time       `json:"cached_at"`
}

// Engine tracks file hashes, task dependencies, and cached results.
type Engine struct {
	cache *cache.Cache
	cfg   Config

	mu         sync.Mutex
	fileHashes map[string]string
	deps       map[string][]string
	history    []Record
}

// New creates an engine backed by c.
func New(c *cache.Cache, cfg Config) *Engine {
	def := DefaultConfig()
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = def.ResultTTL
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = def.HistorySize
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Engine{
		cache:      c,
		cfg:        cfg,
		fileHashes: make(map[string]string),
		deps:       make(map[string][]string),
	}
}

// HashFile returns the hex SHA-256 of a file's content, or "" when the file
// cannot be read.
func (e *Engine) HashFile(path string) string {
	f, err := os.Open(path)
	if err != nil {
		e.cfg.Logger.Debug("Cannot hash file", zap.String("path", path), zap.Error(err))
		return ""
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		e.cfg.Logger.Debug("Cannot hash file", zap.String("path", path), zap.Error(err))
		return ""
	}
	return hex.EncodeToString(h.Sum(nil))
}

// DetectChanges hashes each file and compares it with the previously
// recorded hash. The first observation of a file counts as changed.
// Recorded hashes are updated for changed files.
func (e *Engine) DetectChanges(files []string) (changed, unchanged []string) {
	hashes := make(map[string]string, len(files))
	for _, f := range files {
		if _, seen := hashes[f]; !seen {
			hashes[f] = e.HashFile(f)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	seen := make(map[string]bool, len(files))
	for _, f := range files {
		if seen[f] {
			continue
		}
		seen[f] = true

		current := hashes[f]
		previous, known := e.fileHashes[f]
		if !known || previous != current {
			changed = append(changed, f)
			e.fileHashes[f] = current
			continue
		}
		unchanged = append(unchanged, f)
	}
	return changed, unchanged
}

// SetDependencies records the source files a task key depends on,
// replacing any previous entry.
func (e *Engine) SetDependencies(taskKey string, files []string) {
	files = slices.Clone(files)
	slices.Sort(files)
	files = slices.Compact(files)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.deps[taskKey] = files
}

// Dependencies returns the recorded dependencies of a task key.
func (e *Engine) Dependencies(taskKey string) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.deps[taskKey])
}

// ExpandPatterns resolves doublestar glob patterns against the filesystem.
// Patterns without glob metacharacters are returned as-is even when the file
// does not exist yet, so a later creation is detected as a change.
func ExpandPatterns(patterns []string) ([]string, error) {
	var out []string
	for _, p := range patterns {
		if !hasMeta(p) {
			out = append(out, p)
			continue
		}
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid dependency pattern %q", p)
		}
		matches, err := doublestar.FilepathGlob(p, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("expand dependency pattern %q: %w", p, err)
		}
		out = append(out, matches...)
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}

func hasMeta(p string) bool {
	for _, r := range p {
		switch r {
		case '*', '?', '[', '{':
			return true
		}
	}
	return false
}

// BuildDependencyMap expands each task's declared SourceFiles and records
// them under the task id. Tasks without SourceFiles are tracked with no
// dependencies so they are still affected when their own id changes.
func (e *Engine) BuildDependencyMap(tasks []fleet.Task) error {
	for _, t := range tasks {
		files, err := ExpandPatterns(t.SourceFiles)
		if err != nil {
			return fmt.Errorf("task %s: %w", t.ID, err)
		}
		e.SetDependencies(t.ID, files)
	}
	return nil
}

// AffectedTasks returns the task keys whose dependencies intersect changed,
// plus any tracked task key that is itself in changed. The result is sorted.
func (e *Engine) AffectedTasks(changed []string) []string {
	changedSet := make(map[string]struct{}, len(changed))
	for _, c := range changed {
		changedSet[c] = struct{}{}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var out []string
	for key, files := range e.deps {
		if _, ok := changedSet[key]; ok {
			out = append(out, key)
			continue
		}
		for _, f := range files {
			if _, ok := changedSet[f]; ok {
				out = append(out, key)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

func resultKey(hash string) string {
	return resultKeyPrefix + hash
}

// ShouldRun reports whether the task must execute. It is false only when
// force is unset and an unexpired result for the task's content hash exists.
func (e *Engine) ShouldRun(t fleet.Task, force bool) bool {
	if force {
		return true
	}
	hash, err := fleet.ContentHash(t)
	if err != nil {
		e.cfg.Logger.Warn("Cannot hash task, running it", zap.String("task_id", t.ID), zap.Error(err))
		return true
	}
	if e.cache.Contains(resultKey(hash)) {
		e.cfg.Logger.Debug("Skipping task with cached result",
			zap.String("task_id", t.ID),
			zap.String("content_hash", hash))
		return false
	}
	return true
}

// CachedResult returns the cached result for the task's content, if any.
func (e *Engine) CachedResult(t fleet.Task) (json.RawMessage, bool) {
	hash, err := fleet.ContentHash(t)
	if err != nil {
		return nil, false
	}
	var cr cachedResult
	ok, err := e.cache.GetJSON(resultKey(hash), &cr)
	if err != nil || !ok {
		return nil, false
	}
	return cr.Result, true
}

// CacheResult stores result under the task's content hash for ResultTTL and
// appends an execution record.
func (e *Engine) CacheResult(t fleet.Task, result json.RawMessage, duration time.Duration, usage map[string]float64) error {
	hash, err := fleet.ContentHash(t)
	if err != nil {
		return fmt.Errorf("hash task %s: %w", t.ID, err)
	}
	now := e.cfg.Now().UTC()

	ok, err := e.cache.PutJSON(resultKey(hash), cachedResult{
		Result:        result,
		ExecutionTime: duration.Seconds(),
		ContentHash:   hash,
		CachedAt:      now,
	}, cache.WithTTL(e.cfg.ResultTTL), cache.WithMetadata(map[string]any{
		"task_type":  t.Type,
		"test_level": t.TestLevel,
	}))
	if err != nil {
		return err
	}
	if !ok {
		e.cfg.Logger.Warn("Result too large to cache", zap.String("task_id", t.ID))
	}

	rec := Record{
		TaskID:       t.ID,
		TaskType:     t.Type,
		ContentHash:  hash,
		Duration:     duration,
		Dependencies: e.Dependencies(t.ID),
		Usage:        usage,
		RecordedAt:   now,
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = append(e.history, rec)
	if over := len(e.history) - e.cfg.HistorySize; over > 0 {
		e.history = slices.Delete(e.history, 0, over)
	}
	return nil
}

// History returns the bounded execution history, oldest first.
func (e *Engine) History() []Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.history)
}
