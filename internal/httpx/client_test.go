package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	clierr "github.com/ggonzalez94/txflow/internal/errors"
)

func TestDoJSONRetriesServerError(t *testing.T) {
	var count int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&count, 1)
		if n == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":"x"}`))
			return
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	client := New(2*time.Second, 1)
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, srv.URL, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	var out map[string]any
	if _, err := client.DoJSON(context.Background(), req, &out); err != nil {
		t.Fatalf("DoJSON failed: %v", err)
	}
	if out["ok"] != true {
		t.Fatalf("unexpected response: %#v", out)
	}
	if atomic.LoadInt32(&count) != 2 {
		t.Fatalf("expected two attempts, got %d", count)
	}
}

func TestDoJSONNotFoundIsDistinguishable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := New(time.Second, 2)
	_, err := client.DoBodyJSON(context.Background(), http.MethodGet, srv.URL, nil, nil)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDoBodyJSONSendsJSON(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	client := New(time.Second, 0)
	if _, err := client.DoBodyJSON(context.Background(), http.MethodPost, srv.URL, map[string]any{"nonce": 3}, nil); err != nil {
		t.Fatalf("DoBodyJSON failed: %v", err)
	}
	if got["nonce"] != float64(3) {
		t.Fatalf("unexpected body received: %#v", got)
	}
}

func TestDoJSONAuthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := New(time.Second, 0).DoBodyJSON(context.Background(), http.MethodGet, srv.URL, nil, nil)
	if !clierr.HasCode(err, clierr.CodeAuth) {
		t.Fatalf("expected auth error, got %v", err)
	}
}
