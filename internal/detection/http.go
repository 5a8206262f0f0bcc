package detection

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// HTTPOptions configures an HTTPSource. Method defaults to GET; for other
// methods a non-empty Payload is sent as a JSON body.
type HTTPOptions struct {
	URL          string
	Method       string
	Headers      map[string]string
	Payload      map[string]any
	Proxy        string
	Timeout      time.Duration
	PollInterval time.Duration
}

// detectorResponse is the envelope returned by the detector service.
type detectorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    *Frame `json:"data"`
}

// HTTPSource polls an external detector service for its most recent frame.
// A frame whose Seq has already been returned is reported as ErrNoFrame.
type HTTPSource struct {
	opts   HTTPOptions
	client *http.Client

	mu       sync.Mutex
	lastSeq  int
	seen     bool
	lastPoll time.Time
	closed   bool
	now      func() time.Time
}

// NewHTTPSource creates a source polling opts.URL.
func NewHTTPSource(opts HTTPOptions) *HTTPSource {
	if opts.Method == "" {
		opts.Method = http.MethodGet
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}

	var transport http.RoundTripper = &http.Transport{}
	if opts.Proxy != "" {
		proxyURL, err := url.Parse(opts.Proxy)
		if err != nil {
			log.Printf("Warning: Invalid proxy URL %q: %v. Detector requests will not use a proxy.", opts.Proxy, err)
		} else {
			transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
		}
	}

	return &HTTPSource{
		opts: opts,
		client: &http.Client{
			Transport: transport,
			Timeout:   opts.Timeout,
		},
		now: time.Now,
	}
}

// Next fetches the detector's latest frame. Calls made within PollInterval
// of the previous request return ErrNoFrame without touching the network.
func (s *HTTPSource) Next(ctx context.Context) (Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Frame{}, io.EOF
	}
	now := s.now()
	if s.opts.PollInterval > 0 && !s.lastPoll.IsZero() && now.Sub(s.lastPoll) < s.opts.PollInterval {
		return Frame{}, ErrNoFrame
	}
	s.lastPoll = now

	frame, err := s.fetch(ctx)
	if err != nil {
		return Frame{}, err
	}
	if frame == nil || (s.seen && frame.Seq == s.lastSeq) {
		return Frame{}, ErrNoFrame
	}
	s.seen = true
	s.lastSeq = frame.Seq
	if frame.CapturedAt.IsZero() {
		frame.CapturedAt = now
	}
	return *frame, nil
}

func (s *HTTPSource) fetch(ctx context.Context) (*Frame, error) {
	var body io.Reader
	if s.opts.Method != http.MethodGet && len(s.opts.Payload) > 0 {
		jsonBody, err := json.Marshal(s.opts.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request payload: %w", err)
		}
		body = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, s.opts.Method, s.opts.URL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range s.opts.Headers {
		req.Header.Set(key, value)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("detector request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNoContent:
		return nil, nil
	default:
		return nil, fmt.Errorf("detector returned status %d", resp.StatusCode)
	}

	var out detectorResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode detector response: %w", err)
	}
	if out.Code != 0 {
		return nil, fmt.Errorf("detector returned application code %d: %s", out.Code, out.Message)
	}
	return out.Data, nil
}

// Close stops polling; subsequent calls to Next return io.EOF.
func (s *HTTPSource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.client.CloseIdleConnections()
	return nil
}
