package objectstore

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-API-Key") != "secret" {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/objects/landing/2026/ratings.csv":
			w.Header().Set("Content-Type", "text/csv")
			io.WriteString(w, "title,released_year,genre,rating\nHer,2013,Drama,8.0\n")
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPClientFetch(t *testing.T) {
	srv := newTestServer(t)
	client, err := NewHTTPClient(srv.URL+"/", "secret", time.Second, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	body, err := client.Fetch(context.Background(), "landing", "2026/ratings.csv")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	defer body.Close()
	data, err := io.ReadAll(body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(string(data), "Her,2013,Drama,8.0") {
		t.Fatalf("unexpected body %q", data)
	}
}

func TestHTTPClientNotFound(t *testing.T) {
	srv := newTestServer(t)
	client, err := NewHTTPClient(srv.URL, "secret", time.Second, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err := client.Fetch(context.Background(), "landing", "missing.csv"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestHTTPClientUnauthorized(t *testing.T) {
	srv := newTestServer(t)
	client, err := NewHTTPClient(srv.URL, "wrong", time.Second, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = client.Fetch(context.Background(), "landing", "2026/ratings.csv")
	if err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("expected upstream error, got %v", err)
	}
}

func TestNewHTTPClientRejectsScheme(t *testing.T) {
	if _, err := NewHTTPClient("ftp://example.com", "", time.Second, nil); err == nil {
		t.Fatal("expected error for ftp scheme")
	}
}

func TestEventValidate(t *testing.T) {
	tests := []struct {
		name    string
		event   Event
		want    Event
		wantErr bool
	}{
		{name: "valid", event: Event{Bucket: "landing", Key: "2026/ratings.csv"}, want: Event{Bucket: "landing", Key: "2026/ratings.csv"}},
		{name: "trimmed", event: Event{Bucket: " landing ", Key: " a.csv "}, want: Event{Bucket: "landing", Key: "a.csv"}},
		{name: "missing key", event: Event{Bucket: "landing"}, wantErr: true},
		{name: "missing bucket", event: Event{Key: "a.csv"}, wantErr: true},
		{name: "directory key", event: Event{Bucket: "landing", Key: "dir/"}, wantErr: true},
		{name: "traversal", event: Event{Bucket: "landing", Key: "../etc/passwd"}, wantErr: true},
		{name: "nested bucket", event: Event{Bucket: "a/b", Key: "x.csv"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.event.Validate()
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidEvent) {
					t.Fatalf("expected ErrInvalidEvent, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("validate: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %+v want %+v", got, tt.want)
			}
		})
	}
}
