package webhooks

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/paygate/paygate/internal/circuitbreaker"
	"github.com/paygate/paygate/internal/metrics"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-PayGate-Signature"

// Filter routes events to a destination. Events entries are glob patterns
// ("key.*", "call.denied"); an empty list matches everything.
type Filter struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Events    []string  `json:"events,omitempty"`
	Secret    string    `json:"secret,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
	FailCount int       `json:"failCount"`
}

func (f *Filter) matches(event string) bool {
	if len(f.Events) == 0 {
		return true
	}
	for _, pattern := range f.Events {
		if ok, err := path.Match(pattern, event); err == nil && ok {
			return true
		}
	}
	return false
}

// Event is the delivered payload.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// DeliveryStats summarizes outcomes for the report surface.
type DeliveryStats struct {
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
	Dropped   int64 `json:"dropped"`
	Blocked   int64 `json:"blocked"`
}

type deliveryJob struct {
	filter  *Filter
	event   *Event
	attempt int
}

// Emitter dispatches signed events through a background worker pool.
// Failures are retried with exponential backoff; endpoints that keep
// failing are short-circuited per URL.
type Emitter struct {
	mu      sync.RWMutex
	filters map[string]*Filter
	stats   DeliveryStats

	httpClient  *http.Client
	queue       chan *deliveryJob
	wg          sync.WaitGroup
	logger      *log.Logger
	circuits    *circuitbreaker.Set
	maxAttempts int
	metrics     *metrics.Metrics
	closed      bool
}

// NewEmitter creates an emitter with the given worker count and per-delivery
// timeout (0 selects 4 workers / 15s).
func NewEmitter(workers int, timeout time.Duration, maxAttempts int) *Emitter {
	if workers <= 0 {
		workers = 4
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	e := &Emitter{
		filters:     make(map[string]*Filter),
		httpClient:  &http.Client{Timeout: timeout},
		queue:       make(chan *deliveryJob, 1000),
		logger:      log.New(log.Writer(), "[WEBHOOKS] ", log.LstdFlags),
		circuits:    circuitbreaker.NewSet(circuitbreaker.DefaultConfig()),
		maxAttempts: maxAttempts,
	}
	for i := 0; i < workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	return e
}

// SetMetrics injects the Prometheus metric set.
func (e *Emitter) SetMetrics(m *metrics.Metrics) { e.metrics = m }

// AddFilter registers a routing rule after the SSRF check.
func (e *Emitter) AddFilter(url, secret string, events []string) (*Filter, error) {
	if reason := CheckSSRF(url); reason != "" {
		return nil, fmt.Errorf("webhook url rejected: %s", reason)
	}
	f := &Filter{
		ID:        uuid.New().String(),
		URL:       url,
		Events:    events,
		Secret:    secret,
		Active:    true,
		CreatedAt: time.Now(),
	}
	e.mu.Lock()
	e.filters[f.ID] = f
	e.mu.Unlock()
	e.logger.Printf("registered webhook %s -> %s (events: %v)", f.ID, f.URL, f.Events)
	cp := *f
	return &cp, nil
}

// UpdateFilter mutates a rule; a new URL re-passes the SSRF check.
func (e *Emitter) UpdateFilter(id string, url *string, events []string, active *bool) (*Filter, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	f, ok := e.filters[id]
	if !ok {
		return nil, fmt.Errorf("webhook filter %s not found", id)
	}
	if url != nil {
		if reason := CheckSSRF(*url); reason != "" {
			return nil, fmt.Errorf("webhook url rejected: %s", reason)
		}
		f.URL = *url
	}
	if events != nil {
		f.Events = events
	}
	if active != nil {
		f.Active = *active
	}
	cp := *f
	return &cp, nil
}

// ListFilters returns all routing rules.
func (e *Emitter) ListFilters() []*Filter {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Filter, 0, len(e.filters))
	for _, f := range e.filters {
		cp := *f
		out = append(out, &cp)
	}
	return out
}

// Notify queues the event for every matching active filter. Never blocks:
// a full queue drops the delivery and counts it.
func (e *Emitter) Notify(eventType string, data map[string]interface{}) {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return
	}
	matched := make([]*Filter, 0)
	for _, f := range e.filters {
		if f.Active && f.matches(eventType) {
			matched = append(matched, f)
		}
	}
	e.mu.RUnlock()
	if len(matched) == 0 {
		return
	}

	ev := &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}
	for _, f := range matched {
		if !e.enqueue(&deliveryJob{filter: f, event: ev, attempt: 1}) {
			e.countOutcome("dropped")
			e.logger.Printf("queue full, dropping event %s for %s", ev.ID, f.ID)
		}
	}
}

// enqueue performs a non-blocking send under the read lock so Shutdown cannot
// close the queue mid-send.
func (e *Emitter) enqueue(job *deliveryJob) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return false
	}
	select {
	case e.queue <- job:
		return true
	default:
		return false
	}
}

func (e *Emitter) worker() {
	defer e.wg.Done()
	for job := range e.queue {
		e.deliver(job)
	}
}

func (e *Emitter) deliver(job *deliveryJob) {
	if err := e.circuits.Allow(job.filter.URL); err != nil {
		e.countOutcome("blocked")
		return
	}

	payload, err := json.Marshal(job.event)
	if err != nil {
		e.logger.Printf("failed to marshal event: %v", err)
		return
	}
	req, err := http.NewRequest(http.MethodPost, job.filter.URL, bytes.NewReader(payload))
	if err != nil {
		e.logger.Printf("failed to create request: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-PayGate-Event", job.event.Type)
	req.Header.Set("X-PayGate-Delivery", fmt.Sprintf("%d", job.attempt))
	if job.filter.Secret != "" {
		req.Header.Set(SignatureHeader, SignPayload(payload, job.filter.Secret))
	}

	resp, err := e.httpClient.Do(req)
	if err == nil {
		resp.Body.Close()
	}
	if err != nil || resp.StatusCode >= 400 {
		e.circuits.Failure(job.filter.URL)
		e.markFailed(job.filter.ID)
		if job.attempt < e.maxAttempts {
			// exponential backoff before requeueing
			time.Sleep(time.Duration(1<<uint(job.attempt-1)) * time.Second)
			job.attempt++
			if !e.enqueue(job) {
				e.countOutcome("dropped")
			}
			return
		}
		e.countOutcome("failed")
		if err != nil {
			e.logger.Printf("delivery failed: %s -> %v", job.filter.URL, err)
		} else {
			e.logger.Printf("delivery failed: %s returned %d", job.filter.URL, resp.StatusCode)
		}
		return
	}

	e.circuits.Success(job.filter.URL)
	e.countOutcome("delivered")
}

func (e *Emitter) markFailed(id string) {
	e.mu.Lock()
	if f, ok := e.filters[id]; ok {
		f.FailCount++
	}
	e.mu.Unlock()
}

func (e *Emitter) countOutcome(outcome string) {
	e.mu.Lock()
	switch outcome {
	case "delivered":
		e.stats.Delivered++
	case "failed":
		e.stats.Failed++
	case "dropped":
		e.stats.Dropped++
	case "blocked":
		e.stats.Blocked++
	}
	e.mu.Unlock()
	if e.metrics != nil {
		e.metrics.WebhookDeliveries.WithLabelValues(outcome).Inc()
	}
}

// Stats returns delivery outcome totals for the report surface.
func (e *Emitter) Stats() DeliveryStats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.stats
}

// Shutdown drains the queue and stops the workers.
func (e *Emitter) Shutdown() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()
	close(e.queue)
	e.wg.Wait()
}

// SignPayload computes the hex HMAC-SHA256 of the payload.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
