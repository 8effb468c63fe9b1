package classifier

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
)

var testDoc = Document{Bytes: pngHeader, ContentType: "image/png"}

func newTestGateway(url string, timeout time.Duration) *Gateway {
	return NewGateway(GatewayConfig{URL: url, APIKey: "k", Model: "m", Timeout: timeout}, nil, zerolog.Nop())
}

func TestGateway_ParsesCandidateText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-goog-api-key") != "k" {
			t.Errorf("missing api key header")
		}
		if r.URL.Path != "/models/m:generateContent" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req generateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		inline := req.Contents[0].Parts[1].InlineData
		if inline == nil || inline.MimeType != "image/png" || inline.Data != base64.StdEncoding.EncodeToString(pngHeader) {
			t.Errorf("unexpected inline data %+v", inline)
		}
		w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"Condition: Seizure\nSeverity: 8\nSpecialist recommendation: Neurology"}]}}]}`))
	}))
	defer srv.Close()

	res, err := newTestGateway(srv.URL+"/models/{model}:generateContent", time.Second).Classify(context.Background(), testDoc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Severity != 8 || res.Condition != "Seizure" || *res.RecommendedSpecialty != Neurology {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestGateway_PlainTextBodyDegrades(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Severity: 6. Patient has a rash."))
	}))
	defer srv.Close()

	res, err := newTestGateway(srv.URL, time.Second).Classify(context.Background(), testDoc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Severity != 6 || *res.RecommendedSpecialty != Dermatology {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestGateway_PlainTextBodyWithInvalidBytes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Severity: 5\xff\x00"))
	}))
	defer srv.Close()

	res, err := newTestGateway(srv.URL, time.Second).Classify(context.Background(), testDoc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !utf8.ValidString(res.Narrative) || strings.ContainsRune(res.Narrative, 0) {
		t.Errorf("expected narrative safe to store, got %q", res.Narrative)
	}
	if res.Severity != 5 {
		t.Errorf("expected severity 5, got %d", res.Severity)
	}
}

func TestGateway_EmptyCandidates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"candidates":[]}`))
	}))
	defer srv.Close()

	res, err := newTestGateway(srv.URL, time.Second).Classify(context.Background(), testDoc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Severity != 0 || res.RecommendedSpecialty != nil {
		t.Errorf("expected defaults, got %+v", res)
	}
}

func TestGateway_Non2xxIsUnavailable(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := newTestGateway(srv.URL, time.Second).Classify(context.Background(), testDoc)
	if !errors.Is(err, ErrClassificationUnavailable) {
		t.Fatalf("expected ErrClassificationUnavailable, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("expected exactly one attempt, got %d", calls)
	}
}

func TestGateway_TimeoutIsUnavailable(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	start := time.Now()
	_, err := newTestGateway(srv.URL, 50*time.Millisecond).Classify(context.Background(), testDoc)
	if !errors.Is(err, ErrClassificationUnavailable) {
		t.Fatalf("expected ErrClassificationUnavailable, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("timeout was not applied")
	}
}

func TestGateway_NetworkErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	if _, err := newTestGateway(url, time.Second).Classify(context.Background(), testDoc); !errors.Is(err, ErrClassificationUnavailable) {
		t.Fatalf("expected ErrClassificationUnavailable, got %v", err)
	}
}

func TestNewGateway_CapsTimeout(t *testing.T) {
	if g := newTestGateway("http://x", time.Hour); g.timeout != MaxTimeout {
		t.Errorf("expected timeout capped at %s, got %s", MaxTimeout, g.timeout)
	}
}

func TestDisabled(t *testing.T) {
	if _, err := (Disabled{}).Classify(context.Background(), testDoc); !errors.Is(err, ErrClassificationUnavailable) {
		t.Errorf("expected ErrClassificationUnavailable, got %v", err)
	}
}
