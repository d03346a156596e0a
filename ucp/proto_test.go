package ucp

import (
	"bytes"
	"errors"
	"testing"

	"github.com/rocketbitz/ucp-go/ucs"
	"github.com/rocketbitz/ucp-go/uct"
)

func TestClassify(t *testing.T) {
	th := Thresholds{
		MaxShort:            100,
		ZcopyThreshold:      4096,
		RendezvousThreshold: 1 << 16,
		Limits:              uct.Limits{MaxShort: 108, MaxBcopy: 1032, MaxZcopy: 8200, MaxIOV: 4},
		HeaderSize:          8,
	}
	cases := []struct {
		length int
		want   Protocol
	}{
		{0, ProtoShort},
		{100, ProtoShort},
		{101, ProtoBcopySingle},
		{1024, ProtoBcopySingle},
		{1025, ProtoBcopyMulti},
		{4095, ProtoBcopyMulti},
		{4096, ProtoZcopySingle},
		{8192, ProtoZcopySingle},
		{8193, ProtoZcopyMulti},
		{1<<16 - 1, ProtoZcopyMulti},
		{1 << 16, ProtoNoProgress},
	}
	for _, tc := range cases {
		if got := Classify(tc.length, th); got != tc.want {
			t.Fatalf("Classify(%d) = %v, want %v", tc.length, got, tc.want)
		}
	}

	th.MaxShort = -1
	if got := Classify(0, th); got != ProtoBcopySingle {
		t.Fatalf("disabled short still selected for empty message: %v", got)
	}
}

func TestProtocolString(t *testing.T) {
	if ProtoBcopyMulti.String() != "bcopy_multi" || ProtoNoProgress.String() != "no_progress" {
		t.Fatalf("unexpected names %q %q", ProtoBcopyMulti, ProtoNoProgress)
	}
	if Protocol(200).String() != "unknown" {
		t.Fatalf("unexpected name for out-of-range protocol")
	}
	if !ProtoZcopyMulti.Multi() || ProtoZcopySingle.Multi() {
		t.Fatal("unexpected Multi classification")
	}
}

func TestConfigTagThresholds(t *testing.T) {
	th := Config{}.TagThresholds()
	if th.MaxShort != uct.DefaultLimits.MaxShort-uct.OnlyHeaderSize || th.Limits != uct.DefaultLimits {
		t.Fatalf("unexpected default thresholds %+v", th)
	}
	if th.ZcopyThreshold != DefaultZcopyThreshold || th.RendezvousThreshold != DefaultRendezvousThreshold {
		t.Fatalf("unexpected default cutoffs %+v", th)
	}

	// Sends on a real loopback pick what the thresholds predict.
	obs := &recordingObserver{}
	cfg := Config{ZcopyThreshold: 2048, RendezvousThreshold: 1 << 18, Observer: obs}
	lb := newLoopback(t, cfg, Config{}, EndpointOptions{})
	th = cfg.TagThresholds()
	for _, size := range []int{0, th.MaxShort, th.MaxShort + 1, 2047, 2048, 100000, 1 << 18} {
		_, _ = lb.ab.TagSend(make([]byte, size), 1, SendParams{})
		got := obs.protocols[len(obs.protocols)-1].Protocol
		if want := Classify(size, th); got != want {
			t.Fatalf("size %d: worker selected %v, thresholds predict %v", size, got, want)
		}
	}
}

func TestShortSendSkipsRegistration(t *testing.T) {
	obs := &recordingObserver{}
	dom := uct.NewDomain(uct.DomainOptions{Name: "host"})
	w := newTestWorker(t, Config{Domains: []uct.MemoryDomain{dom}, Observer: obs})
	lane := newFakeLane(uct.Limits{MaxShort: 264, MaxBcopy: 8192, MaxZcopy: 65536, MaxIOV: 8})
	ep := newFakeEndpoint(t, w, 0, lane)

	req, err := ep.TagSend(pattern(64), 0x42, SendParams{})
	if err != nil {
		t.Fatalf("TagSend failed: %v", err)
	}
	if req.Valid() {
		t.Fatal("expected inline completion to return the zero request")
	}
	if lane.shorts != 1 || !bytes.Equal(lane.sent, pattern(64)) {
		t.Fatalf("unexpected short send: shorts=%d sent=%d bytes", lane.shorts, len(lane.sent))
	}
	if dom.Attempts() != 0 {
		t.Fatalf("short send registered memory: attempts=%d", dom.Attempts())
	}
	if len(obs.protocols) != 1 || obs.protocols[0].Protocol != ProtoShort || obs.protocols[0].Set != "tag_eager" {
		t.Fatalf("unexpected protocol events %+v", obs.protocols)
	}
	if w.LiveRequests() != 0 {
		t.Fatalf("inline send leaked a request: live=%d", w.LiveRequests())
	}

	// The lane's MaxShort covers the header too.
	if _, err := ep.TagSend(pattern(256), 1, SendParams{}); err != nil {
		t.Fatalf("TagSend failed: %v", err)
	}
	if _, err := ep.TagSend(pattern(257), 2, SendParams{}); err != nil {
		t.Fatalf("TagSend failed: %v", err)
	}
	if lane.shorts != 2 || lane.bcopies != 1 {
		t.Fatalf("unexpected split: shorts=%d bcopies=%d", lane.shorts, lane.bcopies)
	}
}

func TestSelectBcopyMultiState(t *testing.T) {
	obs := &recordingObserver{}
	w := newTestWorker(t, Config{Observer: obs})
	ep := newFakeEndpoint(t, w, NoDomain, newFakeLane(uct.Limits{}))

	w.enter()
	defer w.exit()
	c, err := w.getRequest(nil)
	if err != nil {
		t.Fatalf("getRequest failed: %v", err)
	}
	s := &c.send
	s.ep = ep
	s.dt = dtContig
	s.buf = pattern(4000)
	s.length = 4000
	s.lane = ep.amLane
	s.pendingLane = 3
	w.messageID = 7

	lim := uct.Limits{MaxShort: 128, MaxBcopy: 2048, MaxZcopy: 65536, MaxIOV: 8}
	if err := w.selectAndStart(c, 100, 16384, 1<<20, 0, lim, &protoSet{name: "test", onlyHdrSize: 64}); err != nil {
		t.Fatalf("selectAndStart failed: %v", err)
	}
	if s.proto != ProtoBcopyMulti {
		t.Fatalf("expected bcopy multi, got %v", s.proto)
	}
	if s.msgID != 7 || w.messageID != 8 {
		t.Fatalf("expected message id 7 and counter 8, got %d and %d", s.msgID, w.messageID)
	}
	if s.pendingLane != NullLane || s.bwIndex != 1 || s.offset != 0 {
		t.Fatalf("lane state not reset: pending=%d bw=%d offset=%d", s.pendingLane, s.bwIndex, s.offset)
	}
	if s.comp.Func != nil {
		t.Fatal("bcopy send has a zero-copy continuation")
	}
	if len(obs.protocols) != 1 || obs.protocols[0].Set != "test" || obs.protocols[0].Length != 4000 {
		t.Fatalf("unexpected events %+v", obs.protocols)
	}
	w.put(c)
}

func TestBcopyMultiRoundRobin(t *testing.T) {
	w := newTestWorker(t, Config{})
	lim := uct.Limits{MaxShort: 64, MaxBcopy: 1024, MaxZcopy: 4096, MaxIOV: 4}
	l0, l1 := newFakeLane(lim), newFakeLane(lim)
	ep := newFakeEndpoint(t, w, NoDomain, l0, l1)

	msg := pattern(3000)
	if _, err := ep.TagSend(msg, 5, SendParams{}); err != nil {
		t.Fatalf("TagSend failed: %v", err)
	}
	if l0.bcopies != 2 || l1.bcopies != 1 {
		t.Fatalf("expected fragments split 2/1, got %d/%d", l0.bcopies, l1.bcopies)
	}
	first := l0.headers[0]
	if first.Kind != uct.FragFirst || first.Total != 3000 || first.Tag != 5 {
		t.Fatalf("unexpected first header %+v", first)
	}
	if mid := l1.headers[0]; mid.Kind != uct.FragMiddle || mid.Offset != 1000 || mid.MsgID != first.MsgID {
		t.Fatalf("unexpected middle header %+v", mid)
	}
	if last := l0.headers[1]; last.Kind != uct.FragMiddle || last.Offset != 2008 {
		t.Fatalf("unexpected last header %+v", last)
	}
	got := append(append(append([]byte{}, l0.sent[:1000]...), l1.sent...), l0.sent[1000:]...)
	if !bytes.Equal(got, msg) {
		t.Fatal("fragments do not reassemble into the message")
	}
}

func TestBcopyMultiDelivery(t *testing.T) {
	small := uct.IfaceOptions{Limits: uct.Limits{MaxShort: 128, MaxBcopy: 1024, MaxZcopy: 4096, MaxIOV: 4}}
	lb := newLoopback(t, Config{Iface: small, ZcopyThreshold: 1 << 16}, Config{}, EndpointOptions{Lanes: 2})

	buf := make([]byte, 5000)
	recv, err := lb.b.TagRecv(buf, 11, ^uint64(0), TagRecvParams{})
	if err != nil {
		t.Fatalf("TagRecv failed: %v", err)
	}
	msg := pattern(5000)
	if _, err := lb.ab.TagSend(msg, 11, SendParams{}); err != nil {
		t.Fatalf("TagSend failed: %v", err)
	}
	progressUntil(t, recv.IsCompleted, lb.b)
	info, status := recv.TestTagRecv()
	if status != ucs.StatusOK || info.Length != 5000 || info.SenderTag != 11 {
		t.Fatalf("unexpected receive info=%+v status=%v", info, status)
	}
	if !bytes.Equal(buf, msg) {
		t.Fatal("received payload differs")
	}
	recv.Release()
}

func TestZcopyRegistersOnLaneDomain(t *testing.T) {
	obs := &recordingObserver{}
	d0 := uct.NewDomain(uct.DomainOptions{Name: "d0"})
	d1 := uct.NewDomain(uct.DomainOptions{Name: "d1"})
	w := newTestWorker(t, Config{Domains: []uct.MemoryDomain{d0, d1}, ZcopyThreshold: 512, Observer: obs})
	lane := newFakeLane(uct.Limits{})
	lane.deferZcopy = true
	ep := newFakeEndpoint(t, w, 1, lane)

	var got error
	calls := 0
	req, err := ep.TagSend(pattern(1024), 3, SendParams{Callback: func(_ Request, err error) {
		calls++
		got = err
	}})
	if err != nil {
		t.Fatalf("TagSend failed: %v", err)
	}
	if d0.Attempts() != 0 || d1.Registered() != 1 {
		t.Fatalf("expected registration on d1 only: d0 attempts=%d d1 live=%d", d0.Attempts(), d1.Registered())
	}
	if len(obs.regs) != 1 || obs.regs[0].Requested != 1<<1 || obs.regs[0].Achieved != 1<<1 {
		t.Fatalf("unexpected registration events %+v", obs.regs)
	}
	if obs.protocols[0].Protocol != ProtoZcopySingle {
		t.Fatalf("expected zcopy single, got %v", obs.protocols[0].Protocol)
	}
	if ep.Outstanding() != 1 {
		t.Fatalf("expected one outstanding send, got %d", ep.Outstanding())
	}

	lane.complete(w, ucs.StatusOK)
	if calls != 1 || got != nil {
		t.Fatalf("callback calls=%d err=%v", calls, got)
	}
	if d1.Registered() != 0 || len(obs.deregs) != 1 {
		t.Fatalf("expected deregistration: live=%d events=%d", d1.Registered(), len(obs.deregs))
	}
	if ep.Outstanding() != 0 {
		t.Fatalf("send still outstanding after completion")
	}
	req.Release()
}

func TestRegistrationFailureSelectsNone(t *testing.T) {
	injected := errors.New("pinned memory exhausted")
	obs := &recordingObserver{}
	dom := uct.NewDomain(uct.DomainOptions{Name: "host", Inject: func(int) error { return injected }})
	w := newTestWorker(t, Config{Domains: []uct.MemoryDomain{dom}, ZcopyThreshold: 512, Observer: obs})
	lane := newFakeLane(uct.Limits{})
	ep := newFakeEndpoint(t, w, 0, lane)

	calls := 0
	req, err := ep.TagSend(pattern(2048), 1, SendParams{
		HideRegErrors: true,
		Callback:      func(Request, error) { calls++ },
	})
	if !errors.Is(err, injected) {
		t.Fatalf("expected domain error, got %v", err)
	}
	if req.Valid() || calls != 0 {
		t.Fatalf("failed send returned a request or fired its callback")
	}
	if lane.zcopies != 0 {
		t.Fatalf("failed registration still posted %d fragments", lane.zcopies)
	}
	if len(obs.protocols) != 1 || obs.protocols[0].Protocol != ProtoNone || !errors.Is(obs.protocols[0].Err, injected) {
		t.Fatalf("unexpected protocol events %+v", obs.protocols)
	}
	if len(obs.regs) != 1 || !obs.regs[0].Hidden || obs.regs[0].Achieved != 0 {
		t.Fatalf("unexpected registration events %+v", obs.regs)
	}
	if w.LiveRequests() != 0 || dom.Registered() != 0 {
		t.Fatalf("failure leaked state: live=%d registered=%d", w.LiveRequests(), dom.Registered())
	}
}

func TestZcopyIOVUpgradesToMulti(t *testing.T) {
	obs := &recordingObserver{}
	dom := uct.NewDomain(uct.DomainOptions{Name: "host"})
	w := newTestWorker(t, Config{Domains: []uct.MemoryDomain{dom}, ZcopyThreshold: 512, Observer: obs})
	lane := newFakeLane(uct.Limits{})
	ep := newFakeEndpoint(t, w, 0, lane)

	msg := pattern(1000)
	iov := make([][]byte, 10)
	for i := range iov {
		iov[i] = msg[i*100 : (i+1)*100]
	}
	if _, err := ep.TagSendIOV(iov, 8, SendParams{}); err != nil {
		t.Fatalf("TagSendIOV failed: %v", err)
	}
	if obs.protocols[0].Protocol != ProtoZcopyMulti {
		t.Fatalf("expected zcopy multi for 10 entries over MaxIOV 8, got %v", obs.protocols[0].Protocol)
	}
	if lane.zcopies != 2 || !bytes.Equal(lane.sent, msg) {
		t.Fatalf("unexpected fragments: zcopies=%d", lane.zcopies)
	}
	if dom.Attempts() != 10 || dom.Registered() != 0 {
		t.Fatalf("expected per-fragment registration released: attempts=%d live=%d", dom.Attempts(), dom.Registered())
	}
}

func TestZcopyIOVEmptyEntriesStaySingle(t *testing.T) {
	obs := &recordingObserver{}
	dom := uct.NewDomain(uct.DomainOptions{Name: "host"})
	w := newTestWorker(t, Config{Domains: []uct.MemoryDomain{dom}, ZcopyThreshold: 512, Observer: obs})
	lane := newFakeLane(uct.Limits{})
	ep := newFakeEndpoint(t, w, 0, lane)

	msg := pattern(800)
	var iov [][]byte
	for i := 0; i < 8; i++ {
		iov = append(iov, msg[i*100:(i+1)*100], nil)
	}
	if _, err := ep.TagSendIOV(iov, 8, SendParams{}); err != nil {
		t.Fatalf("TagSendIOV failed: %v", err)
	}
	if obs.protocols[0].Protocol != ProtoZcopySingle {
		t.Fatalf("expected zcopy single, got %v", obs.protocols[0].Protocol)
	}
	if lane.zcopies != 1 || !bytes.Equal(lane.sent, msg) {
		t.Fatalf("unexpected fragments: zcopies=%d", lane.zcopies)
	}
	if dom.Attempts() != 8 {
		t.Fatalf("empty entries were registered: attempts=%d", dom.Attempts())
	}
}

func TestOversizedSendNoProgress(t *testing.T) {
	obs := &recordingObserver{}
	w := newTestWorker(t, Config{ZcopyThreshold: 1024, RendezvousThreshold: 4096, Observer: obs})
	ep := newFakeEndpoint(t, w, NoDomain, newFakeLane(uct.Limits{}))

	req, err := ep.TagSend(pattern(4096), 1, SendParams{})
	if !errors.Is(err, ucs.ErrNoProgress) {
		t.Fatalf("expected ErrNoProgress, got %v", err)
	}
	if req.Valid() {
		t.Fatal("rejected send returned a request")
	}
	if len(obs.protocols) != 1 || obs.protocols[0].Protocol != ProtoNoProgress {
		t.Fatalf("unexpected events %+v", obs.protocols)
	}
	if w.LiveRequests() != 0 {
		t.Fatalf("rejected send leaked a request")
	}
}

func TestStreamSendUsesStreamSet(t *testing.T) {
	obs := &recordingObserver{}
	w := newTestWorker(t, Config{Observer: obs})
	lane := newFakeLane(uct.Limits{})
	ep := newFakeEndpoint(t, w, NoDomain, lane)

	if _, err := ep.StreamSend([]byte("stream bytes"), SendParams{}); err != nil {
		t.Fatalf("StreamSend failed: %v", err)
	}
	if obs.protocols[0].Set != "stream" || !lane.headers[0].Stream {
		t.Fatalf("unexpected stream send: events=%+v headers=%+v", obs.protocols, lane.headers)
	}
}

func TestZcopyPostFailure(t *testing.T) {
	dom := uct.NewDomain(uct.DomainOptions{Name: "host"})
	w := newTestWorker(t, Config{Domains: []uct.MemoryDomain{dom}, ZcopyThreshold: 512})
	lane := newFakeLane(uct.Limits{})
	lane.zcopyErr = errors.New("link down")
	ep := newFakeEndpoint(t, w, 0, lane)

	_, err := ep.TagSend(pattern(1024), 1, SendParams{})
	if err == nil || err.Error() != "link down" {
		t.Fatalf("expected transport error verbatim, got %v", err)
	}
	if dom.Registered() != 0 {
		t.Fatalf("failed send kept its registration")
	}
}
