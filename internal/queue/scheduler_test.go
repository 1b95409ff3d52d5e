package queue

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/any-hub/offline-hub/internal/durable"
	"github.com/any-hub/offline-hub/internal/logging"
)

func TestSchedulerWaitsForTagAndProbe(t *testing.T) {
	var reachable atomic.Bool
	var replays int64
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			if !reachable.Load() {
				// 模拟网络不可达：直接断开连接
				hj, ok := w.(http.Hijacker)
				if ok {
					conn, _, _ := hj.Hijack()
					conn.Close()
					return
				}
			}
			w.WriteHeader(http.StatusNotFound)
			return
		}
		atomic.AddInt64(&replays, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer origin.Close()

	store := newTestStore(t)
	m := newTestManager(t, store, origin.Client(), nil)
	s, err := NewScheduler(m, SchedulerOptions{
		ProbeURL: origin.URL + "/",
		Interval: time.Second,
		Logger:   logging.Discard(),
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	ctx := context.Background()

	if _, ran := s.Tick(ctx); ran {
		t.Fatalf("tick without a registered tag must not reconcile")
	}

	if _, err := m.Enqueue(ctx, Submission{URL: origin.URL + "/api/community/report", Method: "POST", Body: []byte(`{}`)}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, ran := s.Tick(ctx); ran {
		t.Fatalf("tick must wait while the probe fails")
	}
	if !m.SyncPending(SyncTag) {
		t.Fatalf("tag must stay registered while offline")
	}

	reachable.Store(true)
	summary, ran := s.Tick(ctx)
	if !ran {
		t.Fatalf("expected reconcile once the origin answers (even with 404)")
	}
	if summary.SyncedCount != 1 || atomic.LoadInt64(&replays) != 1 {
		t.Fatalf("unexpected summary %+v (replays=%d)", summary, replays)
	}
	if m.SyncPending(SyncTag) {
		t.Fatalf("tag must be cleared after a successful pass")
	}
}

func TestSchedulerRunRegistersLeftoverRecords(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := store.AddMutation(ctx, durable.QueuedMutation{
		ID:        "offline_1_abc",
		URL:       "http://origin.local/r",
		Method:    "POST",
		Body:      []byte(`{}`),
		Timestamp: time.Now(),
		Status:    durable.StatusQueued,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	m := newTestManager(t, store, http.DefaultClient, nil)
	s, err := NewScheduler(m, SchedulerOptions{ProbeURL: "http://127.0.0.1:1/", Interval: time.Hour})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- s.Run(runCtx) }()

	deadline := time.Now().Add(2 * time.Second)
	for !m.SyncPending(SyncTag) && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if !m.SyncPending(SyncTag) {
		t.Fatalf("expected leftover queued records to register the sync tag")
	}
}

func TestNewSchedulerRequiresProbe(t *testing.T) {
	m := newTestManager(t, newTestStore(t), http.DefaultClient, nil)
	if _, err := NewScheduler(m, SchedulerOptions{}); err == nil {
		t.Fatalf("expected error without probe url")
	}
}
