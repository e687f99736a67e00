package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestGetStatusDecodesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(Status{ID: 0, On: true, PowerW: 120.5})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, 2, 10*time.Millisecond)
	st, err := c.GetStatus(context.Background(), 0)
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if !st.On || st.PowerW != 120.5 {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestRetriesOnFailureThenSucceeds(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(Status{ID: 0, On: false})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, 2, time.Millisecond)
	_, err := c.GetStatus(context.Background(), 0)
	if err != nil {
		t.Fatalf("expected the second attempt to succeed, got %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected exactly 2 attempts, got %d", attempts)
	}
}

func TestGivesUpAfterRetryCountExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, 1, time.Millisecond)
	_, err := c.GetStatus(context.Background(), 0)
	if err == nil {
		t.Fatalf("expected an error once retries are exhausted")
	}
}
