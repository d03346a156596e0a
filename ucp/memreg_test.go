package ucp

import (
	"errors"
	"testing"

	"github.com/rocketbitz/ucp-go/ucs"
	"github.com/rocketbitz/ucp-go/uct"
)

func TestMemRegisterRoundTrip(t *testing.T) {
	obs := &recordingObserver{}
	d0 := uct.NewDomain(uct.DomainOptions{Name: "d0"})
	d1 := uct.NewDomain(uct.DomainOptions{Name: "d1"})
	w := newTestWorker(t, Config{Domains: []uct.MemoryDomain{d0, d1}, Observer: obs})

	var state regState
	if err := w.memRegister(0b11, dtContig, pattern(64), nil, ucs.MemoryTypeHost, &state, false); err != nil {
		t.Fatalf("memRegister failed: %v", err)
	}
	if state.mdMap() != 0b11 || d0.Registered() != 1 || d1.Registered() != 1 {
		t.Fatalf("unexpected registration map %b (live %d/%d)", state.mdMap(), d0.Registered(), d1.Registered())
	}
	if state.contig.handles[0] == nil || state.contig.handles[1] == nil {
		t.Fatal("expected handles at the rank of each domain")
	}
	if len(obs.regs) != 1 || obs.regs[0].Achieved != 0b11 || obs.regs[0].Fragments != 1 {
		t.Fatalf("unexpected events %+v", obs.regs)
	}

	if err := w.memDeregister(dtContig, &state); err != nil {
		t.Fatalf("memDeregister failed: %v", err)
	}
	if !state.empty() || d0.Registered() != 0 || d1.Registered() != 0 {
		t.Fatal("deregistration left live handles")
	}
	if err := w.memDeregister(dtContig, &state); err != nil {
		t.Fatalf("second memDeregister failed: %v", err)
	}
}

func TestMemRegisterSkipsUnsupportedDomains(t *testing.T) {
	obs := &recordingObserver{}
	host := uct.NewDomain(uct.DomainOptions{Name: "host"})
	gpu := uct.NewDomain(uct.DomainOptions{Name: "gpu", MemoryTypes: []ucs.MemoryType{ucs.MemoryTypeCUDA}})
	shm := uct.NewDomain(uct.DomainOptions{Name: "shm", NoRegistration: true})
	w := newTestWorker(t, Config{Domains: []uct.MemoryDomain{host, gpu, shm}, Observer: obs})

	var state regState
	if err := w.memRegister(0b111, dtContig, pattern(64), nil, ucs.MemoryTypeCUDA, &state, false); err != nil {
		t.Fatalf("memRegister failed: %v", err)
	}
	if state.mdMap() != 0b010 {
		t.Fatalf("expected only the gpu domain, got %b", state.mdMap())
	}
	if host.Attempts() != 0 || shm.Attempts() != 0 {
		t.Fatalf("skipped domains were asked to register: host=%d shm=%d", host.Attempts(), shm.Attempts())
	}
	if ev := obs.regs[0]; ev.Requested != 0b111 || ev.Achieved != 0b010 || ev.MemoryType != ucs.MemoryTypeCUDA {
		t.Fatalf("unexpected event %+v", ev)
	}
	if state.contig.handles[0] == nil {
		t.Fatal("expected the gpu handle at rank 0")
	}
	_ = w.memDeregister(dtContig, &state)
	if gpu.Registered() != 0 {
		t.Fatal("gpu registration leaked")
	}
}

func TestMemRegisterIOVPartialFailure(t *testing.T) {
	const failAt = 3
	injected := errors.New("registration cache full")
	obs := &recordingObserver{}
	dom := uct.NewDomain(uct.DomainOptions{Name: "host", Inject: func(seq int) error {
		if seq == failAt {
			return injected
		}
		return nil
	}})
	w := newTestWorker(t, Config{Domains: []uct.MemoryDomain{dom}, Observer: obs})

	iov := make([][]byte, 5)
	for i := range iov {
		iov[i] = pattern(32)
	}
	var state regState
	err := w.memRegister(0b1, dtIOV, nil, iov, ucs.MemoryTypeHost, &state, true)
	if !errors.Is(err, injected) {
		t.Fatalf("expected injected error, got %v", err)
	}
	if dom.Attempts() != failAt+1 {
		t.Fatalf("expected %d attempts, got %d", failAt+1, dom.Attempts())
	}
	if dom.Registered() != 0 {
		t.Fatalf("earlier fragments still registered: %d", dom.Registered())
	}
	if state.iov != nil || !state.empty() {
		t.Fatal("failed iov registration left state behind")
	}
	if ev := obs.regs[0]; ev.Err == nil || !ev.Hidden || ev.Achieved != 0 || ev.Fragments != 5 {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestMemRegisterIOVSkipsEmptyFragments(t *testing.T) {
	dom := uct.NewDomain(uct.DomainOptions{Name: "host"})
	w := newTestWorker(t, Config{Domains: []uct.MemoryDomain{dom}})

	var state regState
	iov := [][]byte{pattern(16), {}, pattern(8)}
	if err := w.memRegister(0b1, dtIOV, nil, iov, ucs.MemoryTypeHost, &state, false); err != nil {
		t.Fatalf("memRegister failed: %v", err)
	}
	if dom.Attempts() != 2 || len(state.iov) != 3 {
		t.Fatalf("attempts=%d descriptors=%d", dom.Attempts(), len(state.iov))
	}
	if state.iov[1].mdMap != 0 || state.iov[0].mdMap != 1 || state.iov[2].mdMap != 1 {
		t.Fatalf("unexpected per-fragment maps %b %b %b", state.iov[0].mdMap, state.iov[1].mdMap, state.iov[2].mdMap)
	}
	if err := w.memDeregister(dtIOV, &state); err != nil {
		t.Fatalf("memDeregister failed: %v", err)
	}
	if state.iov != nil || dom.Registered() != 0 {
		t.Fatal("iov deregistration incomplete")
	}
}

func TestMemRegisterGenericRejected(t *testing.T) {
	w := newTestWorker(t, Config{Domains: []uct.MemoryDomain{uct.NewDomain(uct.DomainOptions{Name: "host"})}})
	var state regState
	err := w.memRegister(0b1, dtGeneric, nil, nil, ucs.MemoryTypeHost, &state, false)
	if !errors.Is(err, ucs.ErrInvalidParam) {
		t.Fatalf("expected ErrInvalidParam, got %v", err)
	}
	if err := w.memDeregister(dtGeneric, &state); err != nil {
		t.Fatalf("generic deregister should be a no-op, got %v", err)
	}
}

func TestMemRegisterRejectsTooManyDomains(t *testing.T) {
	doms := make([]uct.MemoryDomain, MaxOpMDs+1)
	for i := range doms {
		doms[i] = uct.NewDomain(uct.DomainOptions{Name: "d"})
	}
	w := newTestWorker(t, Config{Domains: doms})
	var state regState
	mustPanic(t, "domains requested", func() {
		_ = w.memRegister(1<<(MaxOpMDs+1)-1, dtContig, pattern(8), nil, ucs.MemoryTypeHost, &state, false)
	})
}
