package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

// ErrNotFound is returned when the store has no object under the key.
var ErrNotFound = errors.New("objectstore: not found")

// ErrInvalidEvent is returned for events that do not name a single object.
var ErrInvalidEvent = errors.New("objectstore: invalid event")

// Event announces a newly written object.
type Event struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

// Source names the object for logs and outcomes.
func (e Event) Source() string {
	return e.Bucket + "/" + e.Key
}

// Validate checks that the event names a single object and returns it with
// surrounding whitespace trimmed.
func (e Event) Validate() (Event, error) {
	ev := Event{Bucket: strings.TrimSpace(e.Bucket), Key: strings.TrimSpace(e.Key)}
	if ev.Bucket == "" || strings.Contains(ev.Bucket, "/") {
		return Event{}, fmt.Errorf("%w: bucket must be a single path segment", ErrInvalidEvent)
	}
	if ev.Key == "" || strings.HasSuffix(ev.Key, "/") {
		return Event{}, fmt.Errorf("%w: key must name an object", ErrInvalidEvent)
	}
	if cleaned := path.Clean("/" + ev.Key); cleaned != "/"+ev.Key {
		return Event{}, fmt.Errorf("%w: key must be a clean path", ErrInvalidEvent)
	}
	return ev, nil
}

// Client fetches objects by bucket and key.
type Client interface {
	Fetch(ctx context.Context, bucket, key string) (io.ReadCloser, error)
}

// HTTPClient implements Client over HTTP.
type HTTPClient struct {
	baseURL *url.URL
	apiKey  string
	client  *http.Client
	logger  *log.Logger
}

// NewHTTPClient constructs a new HTTP-backed object store client. The
// timeout bounds connection setup and response headers; the body is read at
// the caller's pace under the caller's context.
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration, logger *log.Logger) (*HTTPClient, error) {
	if logger == nil {
		logger = log.Default()
	}
	parsed, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse object store url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("object store url must be http or https, got %q", baseURL)
	}
	return &HTTPClient{
		baseURL: parsed,
		apiKey:  apiKey,
		client: &http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   timeout,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout:   timeout,
				ResponseHeaderTimeout: timeout,
				ExpectContinueTimeout: 1 * time.Second,
			},
		},
		logger: logger,
	}, nil
}

// Fetch opens the object body. The caller must close it.
func (c *HTTPClient) Fetch(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	endpoint := c.baseURL.JoinPath("objects", bucket, key)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	req.Header.Set("Accept", "text/csv")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return resp.Body, nil
	case http.StatusNotFound:
		resp.Body.Close()
		return nil, ErrNotFound
	default:
		resp.Body.Close()
		c.logger.Printf("objectstore: unexpected status %d for %s/%s", resp.StatusCode, bucket, key)
		return nil, fmt.Errorf("objectstore: upstream returned %d", resp.StatusCode)
	}
}
