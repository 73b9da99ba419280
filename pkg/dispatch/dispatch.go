// Package dispatch delivers task assignments to worker node runtimes over
// HTTP.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/gofleet/pkg/fleet"
)

// ExecutePath is the node endpoint that accepts work.
const ExecutePath = "/v1/execute"

// Config configures an HTTP dispatcher.
type Config struct {
	// CallbackURL is where nodes POST results. Sent with every request.
	CallbackURL string

	// Timeout bounds a single dispatch request. Default: 10s
	Timeout time.Duration

	// RateLimit caps dispatch requests per second across all nodes.
	// 0 means unlimited. Default: 50
	RateLimit float64

	// Burst is the limiter burst size. Default: 10
	Burst int

	// Scheme is the URL scheme used to reach nodes. Default: "http"
	Scheme string

	Client *http.Client
	Logger *zap.Logger
}

// DefaultConfig returns the default dispatcher configuration.
func DefaultConfig() Config {
	return Config{
		Timeout:   10 * time.Second,
		RateLimit: 50,
		Burst:     10,
		Scheme:    "http",
	}
}

// Request is the body POSTed to a node.
type Request struct {
	TaskID      string          `json:"task_id"`
	TaskType    string          `json:"task_type"`
	TestLevel   string          `json:"test_level,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	CallbackURL string          `json:"callback_url,omitempty"`
}

// StatusError reports a non-2xx response from a node.
type StatusError struct {
	NodeID     string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("node %s rejected dispatch: HTTP %d", e.NodeID, e.StatusCode)
	}
	return fmt.Sprintf("node %s rejected dispatch: HTTP %d: %s", e.NodeID, e.StatusCode, e.Body)
}

// IsRejected returns true if err is a non-2xx node response.
func IsRejected(err error) bool {
	var se *StatusError
	return errors.As(err, &se)
}

// HTTPDispatcher implements fleet.Dispatcher.
type HTTPDispatcher struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
}

var _ fleet.Dispatcher = (*HTTPDispatcher)(nil)

// New creates an HTTP dispatcher.
func New(cfg Config) *HTTPDispatcher {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.Scheme == "" {
		cfg.Scheme = def.Scheme
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	d := &HTTPDispatcher{cfg: cfg, client: cfg.Client}
	if d.client == nil {
		d.client = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.RateLimit > 0 {
		d.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst)
	}
	return d
}

// NodeURL returns the execute endpoint of a node.
func (d *HTTPDispatcher) NodeURL(n fleet.Node) string {
	return d.cfg.Scheme + "://" + net.JoinHostPort(n.Host, strconv.Itoa(n.Port)) + ExecutePath
}

// Dispatch POSTs the task to the node. Any 2xx response means the node
// accepted it.
func (d *HTTPDispatcher) Dispatch(ctx context.Context, node fleet.Node, task fleet.Task) error {
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit: %w", err)
		}
	}

	body, err := json.Marshal(Request{
		TaskID:      task.ID,
		TaskType:    task.Type,
		TestLevel:   task.TestLevel,
		Payload:     task.Payload,
		CallbackURL: d.cfg.CallbackURL,
	})
	if err != nil {
		return fmt.Errorf("encode dispatch: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	url := d.NodeURL(node)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build dispatch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("dispatch to %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{NodeID: node.ID, StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(snippet))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	d.cfg.Logger.Debug("Task dispatched",
		zap.String("task_id", task.ID),
		zap.String("node_id", node.ID),
		zap.Int("status", resp.StatusCode))
	return nil
}
