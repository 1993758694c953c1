package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/imalyk/go-image-processor/pkg/job"
)

func TestReplaceBackground(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/replace-background" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer k" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var req BackgroundRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Prompt != "beach" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"imageUrl": "http://cdn/out.png"})
	}))
	defer srv.Close()

	c := NewBackgroundClient(Config{BaseURL: srv.URL, APIKey: "k"})
	got, err := c.ReplaceBackground(context.Background(), BackgroundRequest{ImageURL: "a", BackgroundURL: "b", Prompt: "beach"})
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	if got != "http://cdn/out.png" {
		t.Fatalf("unexpected url %s", got)
	}
}

func TestThrottleClassification(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   bool
	}{
		{"429", http.StatusTooManyRequests, "slow down", true},
		{"concurrency body", http.StatusBadRequest, `{"error":"concurrency limit exceeded"}`, true},
		{"plain failure", http.StatusInternalServerError, "oops", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			_, err := NewBackgroundClient(Config{BaseURL: srv.URL}).ReplaceBackground(context.Background(), BackgroundRequest{})
			if err == nil {
				t.Fatal("expected error")
			}
			if got := errors.Is(err, job.ErrProviderThrottled); got != tc.want {
				t.Fatalf("throttled = %v, want %v (%v)", got, tc.want, err)
			}
		})
	}
}

func TestTaskSubmitAndPoll(t *testing.T) {
	polls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/tasks":
			json.NewEncoder(w).Encode(map[string]string{"taskId": "t-1"})
		case r.Method == http.MethodGet && r.URL.Path == "/tasks/t-1":
			polls++
			res := TaskResult{Status: TaskPending}
			if polls > 1 {
				res = TaskResult{Status: TaskSucceeded, ResultURL: "http://cdn/up.png"}
			}
			json.NewEncoder(w).Encode(res)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewTaskClient(Config{BaseURL: srv.URL})
	ctx := context.Background()
	id, err := c.Submit(ctx, TaskRequest{ImageURL: "a", Scale: 2})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	first, err := c.Poll(ctx, id)
	if err != nil || first.Status != TaskPending {
		t.Fatalf("first poll: %+v %v", first, err)
	}
	second, err := c.Poll(ctx, id)
	if err != nil || second.Status != TaskSucceeded || second.ResultURL == "" {
		t.Fatalf("second poll: %+v %v", second, err)
	}
}

func TestPollTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewTaskClient(Config{BaseURL: srv.URL, PollTimeout: 20 * time.Millisecond})
	if _, err := c.Poll(context.Background(), "t"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("img"))
	}))
	defer srv.Close()

	data, err := NewFetcher(nil, time.Second).Fetch(context.Background(), srv.URL+"/a.png")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if string(data) != "img" {
		t.Fatalf("unexpected body %q", data)
	}
}
