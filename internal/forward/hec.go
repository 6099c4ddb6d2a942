package forward

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrQueueFull is returned when the HEC send queue has no room.
var ErrQueueFull = errors.New("hec queue full")

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("sink closed")

// HECEvent represents a Splunk HEC event.
type HECEvent struct {
	Time       float64        `json:"time,omitempty"`
	Host       string         `json:"host,omitempty"`
	Source     string         `json:"source,omitempty"`
	SourceType string         `json:"sourcetype,omitempty"`
	Index      string         `json:"index,omitempty"`
	Event      any            `json:"event"`
	Fields     map[string]any `json:"fields,omitempty"`
}

// HECConfig holds HEC sender configuration.
type HECConfig struct {
	URL          string
	Token        string
	Index        string
	SourceType   string
	Source       string
	Host         string
	BatchSize    int
	BatchTimeout time.Duration
	QueueSize    int
	Timeout      time.Duration
	RetryCount   int
	// RetryBase scales the quadratic backoff between attempts.
	RetryBase time.Duration
}

// DefaultHECConfig returns sensible defaults.
func DefaultHECConfig() HECConfig {
	return HECConfig{
		Index:        "cerberus",
		SourceType:   "cerberus:analysis",
		Source:       "cerberus",
		BatchSize:    100,
		BatchTimeout: 5 * time.Second,
		QueueSize:    1000,
		Timeout:      30 * time.Second,
		RetryCount:   3,
		RetryBase:    time.Second,
	}
}

// HECStats tracks sender metrics.
type HECStats struct {
	EventsSent   int64
	EventsFailed int64
	BytesSent    int64
	LastSendAt   time.Time
}

// HECSink queues events and posts them to Splunk in newline-delimited
// batches from a background goroutine.
type HECSink struct {
	config     HECConfig
	httpClient *http.Client
	logger     *zap.Logger

	queue chan HECEvent
	done  chan struct{}

	closeOnce sync.Once
	closed    chan struct{}

	mu    sync.RWMutex
	stats HECStats
}

// NewHECSink validates config and starts the batching loop.
func NewHECSink(config HECConfig, logger *zap.Logger) (*HECSink, error) {
	if config.URL == "" {
		return nil, errors.New("hec url is required")
	}
	if config.Token == "" {
		return nil, errors.New("hec token is required")
	}

	def := DefaultHECConfig()
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if config.BatchTimeout <= 0 {
		config.BatchTimeout = def.BatchTimeout
	}
	if config.QueueSize <= 0 {
		config.QueueSize = def.QueueSize
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.RetryBase <= 0 {
		config.RetryBase = def.RetryBase
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &HECSink{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		logger:     logger,
		queue:      make(chan HECEvent, config.QueueSize),
		done:       make(chan struct{}),
		closed:     make(chan struct{}),
	}
	go s.run()
	return s, nil
}

// Name implements Sink.
func (s *HECSink) Name() string {
	return "splunk_hec"
}

// Send enqueues event for the next batch. It never blocks.
func (s *HECSink) Send(_ context.Context, event Event) error {
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}

	hec := HECEvent{
		Time:       float64(event.AnalyzedAt.UnixMilli()) / 1000,
		Host:       s.config.Host,
		Source:     s.config.Source,
		SourceType: s.config.SourceType,
		Index:      s.config.Index,
		Event:      event,
		Fields: map[string]any{
			"threat_score": event.ThreatScore,
			"risk_level":   string(event.RiskLevel),
		},
	}

	select {
	case s.queue <- hec:
		return nil
	default:
		s.mu.Lock()
		s.stats.EventsFailed++
		s.mu.Unlock()
		return ErrQueueFull
	}
}

// Close stops accepting events and flushes what is queued, bounded by ctx.
func (s *HECSink) Close(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.closed) })
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats returns current sender statistics.
func (s *HECSink) Stats() HECStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

func (s *HECSink) run() {
	defer close(s.done)

	ticker := time.NewTicker(s.config.BatchTimeout)
	defer ticker.Stop()

	batch := make([]HECEvent, 0, s.config.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.SendBatch(context.Background(), batch); err != nil {
			s.logger.Warn("HEC batch dropped", zap.Int("events", len(batch)), zap.Error(err))
		}
		batch = batch[:0]
	}

	for {
		select {
		case ev := <-s.queue:
			batch = append(batch, ev)
			if len(batch) >= s.config.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-s.closed:
			for {
				select {
				case ev := <-s.queue:
					batch = append(batch, ev)
				default:
					flush()
					return
				}
			}
		}
	}
}

// SendBatch posts events immediately as newline-delimited JSON.
func (s *HECSink) SendBatch(ctx context.Context, events []HECEvent) error {
	if len(events) == 0 {
		return nil
	}

	var buf bytes.Buffer
	for _, event := range events {
		data, err := json.Marshal(event)
		if err != nil {
			continue
		}
		buf.Write(data)
		buf.WriteByte('\n')
	}

	if err := s.sendWithRetry(ctx, buf.Bytes()); err != nil {
		s.mu.Lock()
		s.stats.EventsFailed += int64(len(events))
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.stats.EventsSent += int64(len(events))
	s.stats.BytesSent += int64(buf.Len())
	s.stats.LastSendAt = time.Now()
	s.mu.Unlock()
	return nil
}

// sendWithRetry sends data with quadratic backoff between attempts.
func (s *HECSink) sendWithRetry(ctx context.Context, data []byte) error {
	var lastErr error

	for attempt := 0; attempt <= s.config.RetryCount; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt*attempt) * s.config.RetryBase):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := s.send(ctx, data)
		if err == nil {
			return nil
		}
		lastErr = err
	}

	return fmt.Errorf("failed after %d retries: %w", s.config.RetryCount, lastErr)
}

// send performs the actual HTTP request.
func (s *HECSink) send(ctx context.Context, data []byte) error {
	url := strings.TrimSuffix(s.config.URL, "/") + "/services/collector/event"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Splunk "+s.config.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("hec request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("hec returned %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// HealthCheck verifies connectivity to Splunk HEC.
func (s *HECSink) HealthCheck(ctx context.Context) error {
	url := strings.TrimSuffix(s.config.URL, "/") + "/services/collector/health"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("hec health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("hec health returned status %d", resp.StatusCode)
	}
	return nil
}
