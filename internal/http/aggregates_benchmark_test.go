package httpserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func BenchmarkHandleListAggregates(b *testing.B) {
	env := buildTestServer(b)
	if err := env.refresh.Refresh(context.Background()); err != nil {
		b.Fatalf("refresh: %v", err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		req := httptest.NewRequest(http.MethodGet, "/aggregates?genre=Drama", nil)
		rec := httptest.NewRecorder()
		env.srv.Handler().ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			b.Fatalf("unexpected status %d", rec.Code)
		}
	}
}
