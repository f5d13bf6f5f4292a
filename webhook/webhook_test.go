package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestFlush_BatchesEventsPerEpoch(t *testing.T) {
	var mu sync.Mutex
	var got []Batch
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var b Batch
		if err := json.Unmarshal(body, &b); err != nil {
			t.Errorf("unmarshal batch: %v", err)
		}
		mu.Lock()
		got = append(got, b)
		mu.Unlock()
	}))
	defer srv.Close()

	d := New(Settings{URL: srv.URL, FlushEvery: time.Hour})
	base := time.Now()
	d.Enqueue(3, "milestone.ttfb", base)
	d.Enqueue(3, "milestone.fcp", base.Add(90*time.Millisecond))
	d.Enqueue(3, "milestone.dcl", base.Add(70*time.Millisecond))
	d.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("expected one batched delivery, got %d", len(got))
	}
	b := got[0]
	if b.Epoch != 3 || len(b.Events) != 3 {
		t.Fatalf("expected 3 events for epoch 3, got %+v", b)
	}
	if b.Events[1].Type != "milestone.dcl" || b.Events[2].Type != "milestone.fcp" {
		t.Fatalf("expected events in occurrence order, got %+v", b.Events)
	}
}

func TestDeliver_SignsBatchWithSharedSecret(t *testing.T) {
	const secret = "s3cret"
	var gotSig string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSig = r.Header.Get("X-PageEngine-Signature")
		gotBody, _ = io.ReadAll(r.Body)
	}))
	defer srv.Close()

	d := New(Settings{URL: srv.URL, Secret: secret, FlushEvery: time.Hour})
	d.Enqueue(1, "milestone.load", time.Now())
	d.Close()

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(gotBody)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if gotSig != want {
		t.Fatalf("expected signature %s, got %s", want, gotSig)
	}
}

func TestDeliver_RetriesServerErrorsThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
	}))
	defer srv.Close()

	d := New(Settings{URL: srv.URL, FlushEvery: time.Hour, MaxRetries: 3})
	d.Enqueue(1, "milestone.load", time.Now())
	d.Close()

	if got := calls.Load(); got != 2 {
		t.Fatalf("expected 5xx retried once then delivered, got %d attempts", got)
	}
}

func TestDeliver_ClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	d := New(Settings{URL: srv.URL, FlushEvery: time.Hour, MaxRetries: 3})
	d.Enqueue(1, "milestone.load", time.Now())
	d.Close()

	if got := calls.Load(); got != 1 {
		t.Fatalf("expected a 4xx rejection to not be retried, got %d attempts", got)
	}
}
