package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

// HTTPSink posts every event as a JSON body to a configured webhook
// endpoint, with a fixed set of extra headers (API key, content-type
// overrides, ...) attached to each request.
type HTTPSink struct {
	client   *http.Client
	endpoint string
	headers  map[string]string
}

// NewHTTPSink builds an HTTPSink posting to endpoint within timeout.
func NewHTTPSink(endpoint string, headers map[string]string, timeout time.Duration) *HTTPSink {
	return &HTTPSink{
		client:   &http.Client{Timeout: timeout},
		endpoint: endpoint,
		headers:  headers,
	}
}

func (s *HTTPSink) post(ctx context.Context, event string, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(b))
	if err != nil {
		return errors.Wrap(err, "new request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Event", event)
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "do request")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Errorf("integration/http: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (s *HTTPSink) HandleUplinkEvent(ctx context.Context, e UplinkEvent) error {
	return s.post(ctx, "up", e)
}

func (s *HTTPSink) HandleJoinEvent(ctx context.Context, e JoinEvent) error {
	return s.post(ctx, "join", e)
}

func (s *HTTPSink) HandleAckEvent(ctx context.Context, e AckEvent) error {
	return s.post(ctx, "ack", e)
}

func (s *HTTPSink) HandleStatusEvent(ctx context.Context, e StatusEvent) error {
	return s.post(ctx, "status", e)
}

func (s *HTTPSink) HandleLogEvent(ctx context.Context, e LogEvent) error {
	return s.post(ctx, "log", e)
}
