package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "site-1", "secret-token", 5*time.Second, 3, time.Millisecond)
}

func TestRequestsCarrySiteTokenAndPath(t *testing.T) {
	var gotPath, gotToken string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotToken = r.Header.Get("X-Site-Token")
		w.Write([]byte(`{}`))
	}))

	if err := c.UploadStatus(context.Background(), StatusUpload{}); err != nil {
		t.Fatalf("upload: %v", err)
	}
	if gotPath != "/api/v1/sites/site-1/status" {
		t.Fatalf("path = %q", gotPath)
	}
	if gotToken != "secret-token" {
		t.Fatalf("token = %q", gotToken)
	}
}

func TestUnauthorizedIsNeverRetried(t *testing.T) {
	var calls int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "bad token", http.StatusUnauthorized)
	}))

	err := c.UploadStatus(context.Background(), StatusUpload{})
	if err == nil {
		t.Fatalf("expected error")
	}
	var se *StatusError
	if !errors.As(err, &se) || se.Status != http.StatusUnauthorized {
		t.Fatalf("expected 401 StatusError, got %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("401 must not be retried, saw %d requests", n)
	}
}

func TestRateLimitIsRetried(t *testing.T) {
	var calls int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			http.Error(w, "slow down", http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`{}`))
	}))

	if err := c.UploadStatus(context.Background(), StatusUpload{}); err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Fatalf("expected 3 attempts, got %d", n)
	}
}

func TestServerErrorIsRetried(t *testing.T) {
	var calls int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "boom", http.StatusInternalServerError)
	}))

	if err := c.UploadStatus(context.Background(), StatusUpload{}); err == nil {
		t.Fatalf("expected error")
	}
	if n := atomic.LoadInt32(&calls); n != 3 {
		t.Fatalf("expected all retry attempts on 5xx, got %d", n)
	}
}

func TestFetchCommands(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("expected GET, got %s", r.Method)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"commands": []map[string]any{
				{"cmd_id": "c-1", "command": "set_state", "thermostat_id": "t-1", "params": map[string]any{"tmode": 1, "t_heat": 70.0}},
			},
		})
	}))

	cmds, err := c.FetchCommands(context.Background())
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(cmds) != 1 || cmds[0].CmdID != "c-1" || cmds[0].Command != "set_state" {
		t.Fatalf("unexpected commands: %+v", cmds)
	}
}

func TestFetchCommandsNotFoundMeansEmpty(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no commands", http.StatusNotFound)
	}))

	cmds, err := c.FetchCommands(context.Background())
	if err != nil {
		t.Fatalf("404 should not be an error: %v", err)
	}
	if len(cmds) != 0 {
		t.Fatalf("expected no commands, got %+v", cmds)
	}
}

func TestUploadMinutesPayloadKey(t *testing.T) {
	var body map[string]json.RawMessage
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.Write([]byte(`{}`))
	}))

	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	err := c.UploadMinutes(context.Background(), []MinuteRecord{
		{ThermostatID: "t-1", MinuteTS: ts, TempAvg: 68.4, HVACRuntimePercent: 37.5, PollCount: 8},
	})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if _, ok := body["minute_readings"]; !ok {
		t.Fatalf("payload missing minute_readings key: %v", body)
	}
	if _, ok := body["site_id"]; !ok {
		t.Fatalf("payload missing site_id key: %v", body)
	}
}
