package objectstore

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
)

func newMockedClient(t *testing.T) *HTTPClient {
	t.Helper()
	client, err := NewHTTPClient("https://store.example/", "k1", time.Second, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	httpmock.ActivateNonDefault(client.client)
	t.Cleanup(httpmock.DeactivateAndReset)
	return client
}

func TestHTTPClientFetch_EscapedKey(t *testing.T) {
	client := newMockedClient(t)
	httpmock.RegisterResponder(http.MethodGet, "https://store.example/objects/landing/june%20drop/ratings.csv",
		func(req *http.Request) (*http.Response, error) {
			if req.Header.Get("X-API-Key") != "k1" {
				return httpmock.NewStringResponse(http.StatusUnauthorized, ""), nil
			}
			return httpmock.NewStringResponse(http.StatusOK, "title,released_year,genre,rating\n"), nil
		})

	body, err := client.Fetch(context.Background(), "landing", "june drop/ratings.csv")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	body.Close()

	info := httpmock.GetCallCountInfo()
	if info["GET https://store.example/objects/landing/june%20drop/ratings.csv"] != 1 {
		t.Fatalf("unexpected calls: %v", info)
	}
}

func TestHTTPClientFetch_ServerError(t *testing.T) {
	client := newMockedClient(t)
	httpmock.RegisterResponder(http.MethodGet, "https://store.example/objects/landing/a.csv",
		httpmock.NewStringResponder(http.StatusInternalServerError, "boom"))

	_, err := client.Fetch(context.Background(), "landing", "a.csv")
	if err == nil || errors.Is(err, ErrNotFound) {
		t.Fatalf("expected upstream error, got %v", err)
	}
}

func TestHTTPClientFetch_Transport(t *testing.T) {
	client := newMockedClient(t)
	httpmock.RegisterResponder(http.MethodGet, "https://store.example/objects/landing/a.csv",
		httpmock.NewErrorResponder(errors.New("connection reset")))

	if _, err := client.Fetch(context.Background(), "landing", "a.csv"); err == nil {
		t.Fatal("expected transport error")
	}
}
