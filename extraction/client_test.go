package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestIsPermanent(t *testing.T) {
	permanent := &ExtractionError{Reason: ReasonNotALoad, Message: "weekly newsletter"}
	if !IsPermanent(permanent) {
		t.Fatal("reason-coded extraction error must be permanent")
	}
	if !IsPermanent(fmt.Errorf("pipeline: %w", permanent)) {
		t.Fatal("wrapped extraction error must still be permanent")
	}
	if IsPermanent(errors.New("connection refused")) {
		t.Fatal("plain error must not be permanent")
	}
	if IsPermanent(nil) {
		t.Fatal("nil must not be permanent")
	}
}

func TestExtractLoadClassifiesResponses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Header.Get("X-Test-Case") {
		case "not-a-load":
			w.WriteHeader(http.StatusUnprocessableEntity)
			_ = json.NewEncoder(w).Encode(extractResponse{Reason: ReasonNotALoad, Detail: "marketing email"})
		case "garbled-422":
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = w.Write([]byte("not json"))
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	call := func(testCase string) error {
		c := &httpExtractor{baseURL: srv.URL, apiKey: "test", http: &http.Client{
			Timeout:   5 * time.Second,
			Transport: headerInjector{next: http.DefaultTransport, testCase: testCase},
		}}
		_, err := c.ExtractLoad(ctx, "tenant-1", []byte("body"))
		return err
	}

	if err := call("not-a-load"); !IsPermanent(err) {
		t.Fatalf("422 with reason must be permanent, got %v", err)
	}
	var ee *ExtractionError
	if err := call("not-a-load"); !errors.As(err, &ee) || ee.Reason != ReasonNotALoad {
		t.Fatalf("expected NOT_A_LOAD reason, got %v", err)
	}
	if err := call("garbled-422"); !IsPermanent(err) {
		t.Fatalf("garbled 422 must still be permanent, got %v", err)
	}
	if err := call("server-error"); err == nil || IsPermanent(err) {
		t.Fatalf("5xx must be a transient error, got %v", err)
	}
}

type headerInjector struct {
	next     http.RoundTripper
	testCase string
}

func (h headerInjector) RoundTrip(r *http.Request) (*http.Response, error) {
	r.Header.Set("X-Test-Case", h.testCase)
	return h.next.RoundTrip(r)
}
