package ucp

import (
	"errors"
	"testing"

	"github.com/rocketbitz/ucp-go/ucs"
	"github.com/rocketbitz/ucp-go/uct"
)

func newZcopyFixture(t *testing.T, cfg Config) (*Worker, *Endpoint, *fakeLane, *uct.Domain) {
	t.Helper()
	dom := uct.NewDomain(uct.DomainOptions{Name: "host"})
	cfg.ZcopyThreshold = 512
	cfg.Domains = []uct.MemoryDomain{dom}
	w := newTestWorker(t, cfg)
	lane := newFakeLane(uct.Limits{})
	lane.deferZcopy = true
	return w, newFakeEndpoint(t, w, 0, lane), lane, dom
}

func TestReleaseBeforeCompleteRecycles(t *testing.T) {
	w, ep, lane, dom := newZcopyFixture(t, Config{MaxRequests: 1, RequestsPerChunk: 1})

	req, err := ep.TagSend(pattern(1024), 1, SendParams{})
	if err != nil {
		t.Fatalf("TagSend failed: %v", err)
	}
	if !req.Valid() || req.IsCompleted() {
		t.Fatal("expected an in-flight request")
	}
	if dom.Registered() != 1 {
		t.Fatalf("expected buffer registered while in flight, got %d", dom.Registered())
	}

	slot := req.ctl
	req.Release()
	if w.LiveRequests() != 1 {
		t.Fatalf("released in-flight request was recycled early: live=%d", w.LiveRequests())
	}
	if _, err := ep.TagSend(pattern(1024), 2, SendParams{}); !errors.Is(err, ucs.ErrNoMemory) {
		t.Fatalf("expected ErrNoMemory with the only slot in use, got %v", err)
	}

	lane.complete(w, ucs.StatusOK)
	if w.LiveRequests() != 0 {
		t.Fatalf("expected slot recycled on completion, live=%d", w.LiveRequests())
	}
	if dom.Registered() != 0 {
		t.Fatalf("expected registration released, got %d", dom.Registered())
	}

	next, err := ep.TagSend(pattern(1024), 3, SendParams{})
	if err != nil {
		t.Fatalf("TagSend after recycle failed: %v", err)
	}
	if next.ctl != slot {
		t.Fatal("expected the recycled slot to be reused")
	}
	if next.gen == req.gen {
		t.Fatal("expected generation to change on reuse")
	}
	lane.complete(w, ucs.StatusOK)
	next.Release()
}

func TestFreeSuppressesCallback(t *testing.T) {
	w, ep, lane, _ := newZcopyFixture(t, Config{})

	calls := 0
	req, err := ep.TagSend(pattern(2048), 1, SendParams{Callback: func(Request, error) { calls++ }})
	if err != nil {
		t.Fatalf("TagSend failed: %v", err)
	}
	req.Free()
	lane.complete(w, ucs.StatusOK)
	if calls != 0 {
		t.Fatalf("callback fired for a freed request")
	}
	if w.LiveRequests() != 0 {
		t.Fatalf("freed request not recycled: live=%d", w.LiveRequests())
	}
}

func TestReleaseKeepsCallback(t *testing.T) {
	w, ep, lane, _ := newZcopyFixture(t, Config{})

	calls := 0
	req, err := ep.TagSend(pattern(2048), 1, SendParams{Callback: func(Request, error) { calls++ }})
	if err != nil {
		t.Fatalf("TagSend failed: %v", err)
	}
	req.Release()
	lane.complete(w, ucs.StatusOK)
	if calls != 1 {
		t.Fatalf("expected callback after release, got %d calls", calls)
	}
	if w.LiveRequests() != 0 {
		t.Fatalf("released request not recycled after callback: live=%d", w.LiveRequests())
	}
}

func TestCallbackRunsOutsideCriticalSection(t *testing.T) {
	w, ep, lane, _ := newZcopyFixture(t, Config{ThreadMode: ThreadModeMulti})

	var (
		calls int
		got   error
	)
	_, err := ep.TagSend(pattern(4096), 9, SendParams{Callback: func(r Request, err error) {
		calls++
		got = err
		// Both calls take the worker lock.
		if !r.IsCompleted() {
			t.Errorf("callback on incomplete request")
		}
		r.Release()
	}})
	if err != nil {
		t.Fatalf("TagSend failed: %v", err)
	}
	lane.complete(w, ucs.StatusOK)
	if calls != 1 || got != nil {
		t.Fatalf("calls=%d err=%v", calls, got)
	}
	if w.LiveRequests() != 0 {
		t.Fatalf("request released in callback not recycled: live=%d", w.LiveRequests())
	}
}

func TestCheckStatusMonotonic(t *testing.T) {
	w, ep, lane, _ := newZcopyFixture(t, Config{})

	req, err := ep.TagSend(pattern(1024), 1, SendParams{})
	if err != nil {
		t.Fatalf("TagSend failed: %v", err)
	}
	if st := req.CheckStatus(); st != ucs.StatusInProgress {
		t.Fatalf("expected in progress, got %v", st)
	}
	if !errors.Is(req.Err(), ucs.StatusInProgress) {
		t.Fatalf("expected Err to report in progress, got %v", req.Err())
	}

	lane.complete(w, ucs.ErrIOError)
	for i := 0; i < 3; i++ {
		if st := req.CheckStatus(); st != ucs.ErrIOError {
			t.Fatalf("read %d: expected ErrIOError, got %v", i, st)
		}
	}
	if !errors.Is(req.Err(), ucs.ErrIOError) {
		t.Fatalf("unexpected Err: %v", req.Err())
	}
	req.Release()
}

func TestRequestInitRunsPerSlot(t *testing.T) {
	var inits, cleanups int
	w, err := NewWorker(Config{
		RequestSize:      8,
		RequestsPerChunk: 2,
		RequestInit: func(user []byte) {
			inits++
			user[0] = 0xab
		},
		RequestCleanup: func([]byte) { cleanups++ },
	})
	if err != nil {
		t.Fatalf("NewWorker failed: %v", err)
	}

	for round := 0; round < 3; round++ {
		reqs := make([]Request, 3)
		for i := range reqs {
			reqs[i], err = w.TagRecv(make([]byte, 4), uint64(i), ^uint64(0), TagRecvParams{})
			if err != nil {
				t.Fatalf("TagRecv failed: %v", err)
			}
			if user := reqs[i].UserData(); len(user) != 8 || user[0] != 0xab {
				t.Fatalf("unexpected user area %v", user)
			}
		}
		for _, req := range reqs {
			w.Cancel(req)
			req.Release()
		}
	}
	if inits != 4 {
		t.Fatalf("expected init once per carved slot (4), got %d", inits)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if cleanups != 4 {
		t.Fatalf("expected cleanup once per slot (4), got %d", cleanups)
	}
}

func TestExternalRequest(t *testing.T) {
	lb := newLoopback(t, Config{}, Config{}, EndpointOptions{})
	ext := lb.b.NewExternalRequest()
	buf := make([]byte, 16)

	req, err := lb.b.TagRecv(buf, 5, ^uint64(0), TagRecvParams{Request: ext})
	if err != nil {
		t.Fatalf("TagRecv failed: %v", err)
	}
	if req != ext.Request() {
		t.Fatal("expected handle to refer to the external request")
	}
	mustPanic(t, "caller-owned", req.Release)

	if _, err := lb.ab.TagSend([]byte("external"), 5, SendParams{}); err != nil {
		t.Fatalf("TagSend failed: %v", err)
	}
	progressUntil(t, req.IsCompleted, lb.b)
	info, status := req.TestTagRecv()
	if status != ucs.StatusOK || info.Length != 8 || string(buf[:8]) != "external" {
		t.Fatalf("unexpected receive: info=%+v status=%v buf=%q", info, status, buf)
	}

	again, err := lb.b.TagRecv(buf, 6, ^uint64(0), TagRecvParams{Request: ext})
	if err != nil {
		t.Fatalf("TagRecv reuse failed: %v", err)
	}
	if again.gen == req.gen {
		t.Fatal("expected a new generation for the reused external request")
	}
	lb.b.Cancel(again)
	if st := again.CheckStatus(); st != ucs.ErrCanceled {
		t.Fatalf("expected canceled, got %v", st)
	}
	if lb.b.LiveRequests() != 0 {
		t.Fatalf("external request consumed a pool slot: live=%d", lb.b.LiveRequests())
	}
}

func TestStaleHandlePanics(t *testing.T) {
	w := newTestWorker(t, Config{})
	req, err := w.TagRecv(make([]byte, 1), 1, ^uint64(0), TagRecvParams{})
	if err != nil {
		t.Fatalf("TagRecv failed: %v", err)
	}
	w.Cancel(req)
	req.Release()
	mustPanic(t, "recycled", func() { req.IsCompleted() })
	mustPanic(t, "empty request", func() { Request{}.IsCompleted() })
}

func TestOrientationAsserts(t *testing.T) {
	w := newTestWorker(t, Config{})
	req, err := w.TagRecv(make([]byte, 1), 1, ^uint64(0), TagRecvParams{})
	if err != nil {
		t.Fatalf("TagRecv failed: %v", err)
	}
	mustPanic(t, "not a stream receive", func() { req.TestStreamRecv() })
	if _, st := req.Test(); st != ucs.StatusInProgress {
		t.Fatalf("expected in progress from deprecated Test, got %v", st)
	}
	w.Cancel(req)
	req.Release()
}
