package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestInitWithoutEndpointInstallsProvider(t *testing.T) {
	shutdown, err := Init(context.Background(), Settings{}, nil)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	defer func() {
		_ = shutdown(context.Background())
	}()
	_, span := Tracer().Start(context.Background(), "call.identify")
	if !span.SpanContext().IsValid() {
		t.Fatal("expected a recording span from the installed provider")
	}
	span.End()
}

func TestInstrumentedClientAndMiddleware(t *testing.T) {
	handler := HTTPMiddleware("test")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	server := httptest.NewServer(handler)
	defer server.Close()

	client := InstrumentClient(nil)
	response, err := client.Get(server.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	_ = response.Body.Close()
	if response.StatusCode != http.StatusNoContent {
		t.Fatalf("unexpected status %d", response.StatusCode)
	}
}
