package logger

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
)

func TestContextWithLoggerIsIdempotent(t *testing.T) {
	ctx, rlog := ContextWithLogger(context.Background())
	if rlog == nil {
		t.Fatal("expecting a logger")
	}
	id := RequestIDFromContext(ctx)
	if id == "" {
		t.Fatal("expecting a request id")
	}

	// a second call keeps the existing logger and request id
	ctx2, rlog2 := ContextWithLogger(ctx)
	if ctx2 != ctx || rlog2 != rlog {
		t.Fatal("expecting the existing logger to be reused")
	}
	if RequestIDFromContext(ctx2) != id {
		t.Fatal("expecting the request id to be stable")
	}
}

func TestContextWithLoggerIdentity(t *testing.T) {
	ctx, _ := ContextWithLoggerIdentity(context.Background(), "admin")
	rlog := FromContext(ctx)
	if rlog.Data[identityLoggerKey] != "admin" {
		t.Fatal("expecting the identity on the request logger")
	}
	if RequestIDFromContext(ctx) == "" {
		t.Fatal("expecting a request id alongside the identity")
	}
}

func TestRequestIDFromContextWithoutLogger(t *testing.T) {
	if RequestIDFromContext(context.Background()) != "" {
		t.Fatal("expecting no request id without a logger")
	}
}

func TestAddRequestIDHeader(t *testing.T) {
	router := mux.NewRouter()
	AddRequestID(router)

	var seen string
	router.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	})

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/", nil))

	if seen == "" {
		t.Fatal("expecting a request id in the handler context")
	}
	if recorder.Header().Get("Request-Id") != seen {
		t.Fatal("expecting the request id to be echoed in the Request-Id header")
	}
}
