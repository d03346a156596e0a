package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rocketbitz/ucp-go/ucp"
	"github.com/rocketbitz/ucp-go/ucs"
)

// ErrClosed indicates the client has already been closed.
var ErrClosed = errors.New("ucp client: closed")

// Address names a client within the process. Peers register each other by
// address before exchanging messages.
type Address string

// clients maps every open client's Address to the client.
var clients sync.Map

// Config controls Dial behaviour for the high-level Client.
type Config struct {
	Timeout time.Duration
	// Lanes is the number of lanes opened to every registered peer.
	Lanes int
	// LaneDomains assigns memory domain indexes to peer lanes; see
	// ucp.EndpointOptions.
	LaneDomains []int
	// Tag is used by Send and SendAsync.
	Tag uint64
	// HideRegErrors marks memory registration failures of every send as
	// expected; they are then logged at debug level.
	HideRegErrors bool
	// Worker overrides the worker configuration. ThreadMode is always
	// ucp.ThreadModeMulti.
	Worker           ucp.Config
	Logger           Logger
	StructuredLogger StructuredLogger
	Tracer           Tracer
	Metrics          MetricHook
}

// Client owns a worker, a progress goroutine and the endpoints to its peers.
type Client struct {
	cfg    Config
	worker *ucp.Worker
	addr   Address
	closed atomic.Bool

	peersMu     sync.RWMutex
	peers       map[Address]*ucp.Endpoint
	defaultPeer atomic.Pointer[Address]

	stopCh chan struct{}
	wg     sync.WaitGroup
	span   Span

	handlersMu      sync.RWMutex
	sendHandlers    map[uint64]SendHandler
	receiveHandlers map[uint64]ReceiveHandler
	handlerSeq      atomic.Uint64

	logger           Logger
	structuredLogger StructuredLogger
	tracer           Tracer
	metrics          MetricHook
	stats            clientStats
}

// OperationKind identifies the type of operation tracked by a future.
type OperationKind int

const (
	OperationSend OperationKind = iota
	OperationReceive
)

func (k OperationKind) String() string {
	switch k {
	case OperationSend:
		return "send"
	case OperationReceive:
		return "receive"
	default:
		return "operation"
	}
}

// OperationError exposes the terminal status of a failed operation.
type OperationError struct {
	Kind   OperationKind
	Status ucs.Status
	Length int
	Tag    uint64
	// Cause is the transport or domain error behind Status, if any.
	Cause error
}

// SendCompletion describes the outcome of a send operation dispatched through a handler.
type SendCompletion struct {
	Size int
	Tag  uint64
	Err  error
}

// ReceiveCompletion describes a completed receive operation delivered through a handler.
type ReceiveCompletion struct {
	Payload []byte
	Tag     uint64
	Err     error
}

// SendHandler is invoked when a send operation completes.
type SendHandler func(SendCompletion)

// ReceiveHandler is invoked when a receive operation completes.
type ReceiveHandler func(ReceiveCompletion)

// Logger provides structured debug logging hooks for the client.
type Logger interface {
	Debugf(format string, args ...any)
}

// StructuredLogger emits key/value pairs for structured logging backends.
type StructuredLogger interface {
	Debugw(msg string, keyvals ...any)
}

// ErrorLogger is implemented by structured loggers that can report at error
// level. Unexpected memory registration failures use it when available.
type ErrorLogger interface {
	Errorw(msg string, keyvals ...any)
}

// TraceAttribute represents a tracing attribute attached to dispatcher spans or events.
type TraceAttribute struct {
	Key   string
	Value any
}

// Tracer starts spans that wrap dispatcher activity.
type Tracer interface {
	StartSpan(name string, attrs ...TraceAttribute) Span
}

// Span records dispatcher lifecycle, events, and errors for tracing systems.
type Span interface {
	End(err error)
	AddEvent(name string, attrs ...TraceAttribute)
	RecordError(err error)
}

// Stats contains counters for client operations.
type Stats struct {
	SendPosted      uint64
	SendCompleted   uint64
	SendErrored     uint64
	ReceivePosted   uint64
	ReceiveMatched  uint64
	ReceiveErrored  uint64
	ReceiveCanceled uint64
}

type clientStats struct {
	sendPosted    atomic.Uint64
	sendCompleted atomic.Uint64
	sendErrored   atomic.Uint64
	recvPosted    atomic.Uint64
	recvMatched   atomic.Uint64
	recvErrored   atomic.Uint64
	recvCanceled  atomic.Uint64
}

// MetricHook captures dispatcher telemetry events.
type MetricHook interface {
	DispatcherStarted(attrs map[string]string)
	DispatcherStopped(attrs map[string]string)
	ProtocolSelected(protocol string, attrs map[string]string)
	SendCompleted(attrs map[string]string)
	SendFailed(err error, attrs map[string]string)
	ReceiveCompleted(attrs map[string]string)
	ReceiveFailed(err error, attrs map[string]string)
	RequestCanceled(attrs map[string]string)
}

type logField struct {
	key   string
	value any
}

func logKV(key string, value any) logField {
	return logField{key: key, value: value}
}

func (c *Client) metricAttrs(fields ...logField) map[string]string {
	attrs := make(map[string]string, len(fields)+2)
	attrs[labelWorker] = string(c.addr)
	attrs[labelLanes] = fmt.Sprint(c.cfg.Lanes)
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		attrs[field.key] = fmt.Sprint(field.value)
	}
	return attrs
}

func (c *Client) logDispatcherEvent(event string, fields ...logField) {
	if c == nil {
		return
	}
	if c.structuredLogger != nil {
		c.structuredLogger.Debugw("ucp client dispatcher", keyvals(event, fields)...)
		return
	}
	c.logText(event, fields...)
}

// logErrorEvent reports at error level when the structured logger supports
// it and falls back to the debug path otherwise.
func (c *Client) logErrorEvent(event string, fields ...logField) {
	if c == nil {
		return
	}
	if el, ok := c.structuredLogger.(ErrorLogger); ok {
		el.Errorw("ucp client dispatcher", keyvals(event, fields)...)
		return
	}
	c.logDispatcherEvent(event, fields...)
}

func (c *Client) logText(event string, fields ...logField) {
	if c.logger == nil {
		return
	}
	var b strings.Builder
	b.WriteString(event)
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		b.WriteString(" ")
		b.WriteString(field.key)
		b.WriteString("=")
		b.WriteString(fmt.Sprint(field.value))
	}
	c.logger.Debugf("client dispatcher %s", b.String())
}

func keyvals(event string, fields []logField) []any {
	kv := make([]any, 0, len(fields)*2+2)
	kv = append(kv, "event", event)
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		kv = append(kv, field.key, field.value)
	}
	return kv
}

func (c *Client) metricDispatcherStarted(fields ...logField) {
	if c == nil || c.metrics == nil {
		return
	}
	c.metrics.DispatcherStarted(c.metricAttrs(fields...))
}

func (c *Client) metricDispatcherStopped(fields ...logField) {
	if c == nil || c.metrics == nil {
		return
	}
	c.metrics.DispatcherStopped(c.metricAttrs(fields...))
}

func (c *Client) metricProtocolSelected(protocol string, fields ...logField) {
	if c == nil || c.metrics == nil {
		return
	}
	c.metrics.ProtocolSelected(protocol, c.metricAttrs(fields...))
}

func (c *Client) metricSendCompleted(fields ...logField) {
	if c == nil || c.metrics == nil {
		return
	}
	c.metrics.SendCompleted(c.metricAttrs(fields...))
}

func (c *Client) metricSendFailed(err error, fields ...logField) {
	if c == nil || c.metrics == nil {
		return
	}
	c.metrics.SendFailed(err, c.metricAttrs(fields...))
}

func (c *Client) metricReceiveCompleted(fields ...logField) {
	if c == nil || c.metrics == nil {
		return
	}
	c.metrics.ReceiveCompleted(c.metricAttrs(fields...))
}

func (c *Client) metricReceiveFailed(err error, fields ...logField) {
	if c == nil || c.metrics == nil {
		return
	}
	c.metrics.ReceiveFailed(err, c.metricAttrs(fields...))
}

func (c *Client) metricRequestCanceled(fields ...logField) {
	if c == nil || c.metrics == nil {
		return
	}
	c.metrics.RequestCanceled(c.metricAttrs(fields...))
}

func (e OperationError) Error() string {
	msg := fmt.Sprintf("ucp %s completion error: %s (len=%d tag=0x%x)", e.Kind, e.Status, e.Length, e.Tag)
	if e.Cause != nil && e.Cause != error(e.Status) {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap allows errors.Is / errors.As to match the status and the cause.
func (e OperationError) Unwrap() []error {
	if e.Cause != nil && e.Cause != error(e.Status) {
		return []error{e.Status, e.Cause}
	}
	return []error{e.Status}
}

func operationError(kind OperationKind, length int, tag uint64, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{Kind: kind, Status: ucs.StatusOf(err), Length: length, Tag: tag, Cause: err}
}

type operationResult struct {
	length int
	tag    uint64
	err    error
}

type operation struct {
	client *Client
	kind   OperationKind
	size   int
	done   chan struct{}
	meta   any

	mu        sync.Mutex
	once      sync.Once
	completed bool
	result    operationResult
	callbacks []func(operationResult)
}

type receiveMeta struct {
	buffer []byte
	tag    atomic.Uint64
}

func newOperation(client *Client, kind OperationKind, size int, meta any) *operation {
	return &operation{
		client: client,
		kind:   kind,
		size:   size,
		done:   make(chan struct{}),
		meta:   meta,
	}
}

// complete resolves the operation. Only the first call has any effect.
func (op *operation) complete(res operationResult) {
	op.once.Do(func() {
		op.mu.Lock()
		op.result = res
		op.completed = true
		callbacks := append([]func(operationResult){}, op.callbacks...)
		op.callbacks = nil
		op.mu.Unlock()

		if op.client != nil {
			op.client.emit(op, res)
		}

		close(op.done)

		for _, cb := range callbacks {
			go cb(res)
		}
	})
}

func (op *operation) resultSnapshot() operationResult {
	op.mu.Lock()
	defer op.mu.Unlock()
	return op.result
}

func (op *operation) addCallback(cb func(operationResult)) {
	if cb == nil {
		return
	}
	op.mu.Lock()
	if op.completed {
		res := op.result
		op.mu.Unlock()
		go cb(res)
		return
	}
	op.callbacks = append(op.callbacks, cb)
	op.mu.Unlock()
}

// SendFuture tracks the completion of a posted send operation.
type SendFuture struct {
	op *operation
}

// Await blocks until the send operation completes or the context is cancelled.
func (f *SendFuture) Await(ctx context.Context) error {
	if f == nil || f.op == nil {
		return errors.New("ucp client: nil send future")
	}
	ctx = ensureContext(ctx)
	select {
	case <-ctx.Done():
		select {
		case <-f.op.done:
			return f.op.resultSnapshot().err
		default:
		}
		return ctx.Err()
	case <-f.op.done:
		return f.op.resultSnapshot().err
	}
}

// Done exposes a channel that closes when the send operation resolves.
func (f *SendFuture) Done() <-chan struct{} {
	if f == nil || f.op == nil {
		return nil
	}
	return f.op.done
}

// OnComplete registers a callback invoked asynchronously when the send resolves.
func (f *SendFuture) OnComplete(fn func(error)) {
	if f == nil || f.op == nil || fn == nil {
		return
	}
	f.op.addCallback(func(res operationResult) {
		fn(res.err)
	})
}

// ReceiveFuture tracks the completion of a posted receive operation.
type ReceiveFuture struct {
	op     *operation
	buf    []byte
	meta   *receiveMeta
	client *Client
	req    ucp.Request
}

// Await blocks until the receive resolves or the context is cancelled. The
// receive stays posted when the context ends first.
func (f *ReceiveFuture) Await(ctx context.Context) (int, error) {
	if f == nil || f.op == nil {
		return 0, errors.New("ucp client: nil receive future")
	}
	ctx = ensureContext(ctx)
	select {
	case <-ctx.Done():
		select {
		case <-f.op.done:
			res := f.op.resultSnapshot()
			return res.length, res.err
		default:
		}
		return 0, ctx.Err()
	case <-f.op.done:
		res := f.op.resultSnapshot()
		return res.length, res.err
	}
}

// Cancel withdraws the receive if no message matched it yet. The future then
// resolves with an error wrapping ucs.ErrCanceled, possibly only after the
// dispatcher has progressed the worker.
func (f *ReceiveFuture) Cancel() {
	if f == nil || f.client == nil || !f.req.Valid() || f.client.closed.Load() {
		return
	}
	f.client.worker.Cancel(f.req)
}

// Buffer returns the caller-provided buffer passed to ReceiveAsync.
func (f *ReceiveFuture) Buffer() []byte {
	if f == nil {
		return nil
	}
	return f.buf
}

// Tag returns the sender's tag once the receive completed.
func (f *ReceiveFuture) Tag() uint64 {
	if f == nil || f.meta == nil {
		return 0
	}
	return f.meta.tag.Load()
}

// Done exposes a channel that closes when the receive completes.
func (f *ReceiveFuture) Done() <-chan struct{} {
	if f == nil || f.op == nil {
		return nil
	}
	return f.op.done
}

// OnComplete registers a callback invoked asynchronously once data arrives.
func (f *ReceiveFuture) OnComplete(fn func(int, error)) {
	if f == nil || f.op == nil || fn == nil {
		return
	}
	f.op.addCallback(func(res operationResult) {
		fn(res.length, res.err)
	})
}

// Dial creates a client with its own multi-threaded worker, registers it
// under a fresh Address and starts the dispatcher. The client is its own
// default peer until SetDefaultPeer or RegisterPeer says otherwise.
func Dial(cfg Config) (*Client, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Lanes <= 0 {
		cfg.Lanes = 1
	}

	structured := cfg.StructuredLogger
	if structured == nil {
		if logger, ok := cfg.Logger.(StructuredLogger); ok {
			structured = logger
		}
	}

	client := &Client{
		cfg:              cfg,
		peers:            make(map[Address]*ucp.Endpoint),
		stopCh:           make(chan struct{}),
		logger:           cfg.Logger,
		structuredLogger: structured,
		tracer:           cfg.Tracer,
		metrics:          cfg.Metrics,
	}

	wcfg := cfg.Worker
	wcfg.ThreadMode = ucp.ThreadModeMulti
	wcfg.Observer = &workerObserver{client: client, next: cfg.Worker.Observer}
	worker, err := ucp.NewWorker(wcfg)
	if err != nil {
		return nil, fmt.Errorf("create worker: %w", err)
	}
	client.worker = worker
	client.addr = Address(worker.Name())

	if _, loaded := clients.LoadOrStore(client.addr, client); loaded {
		_ = worker.Close()
		return nil, fmt.Errorf("ucp client: address %s already in use", client.addr)
	}
	if err := client.RegisterPeer(client.addr, true); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect loopback: %w", err)
	}

	client.span = client.startDispatcherSpan()
	client.wg.Add(1)
	go client.dispatch()

	return client, nil
}

// Close stops the dispatcher, cancels outstanding receives and closes the
// worker.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.stopCh)
	c.wg.Wait()

	clients.Delete(c.addr)
	err := c.worker.Close()

	c.handlersMu.Lock()
	c.sendHandlers = nil
	c.receiveHandlers = nil
	c.handlersMu.Unlock()

	c.peersMu.Lock()
	c.peers = nil
	c.peersMu.Unlock()
	return err
}

// Worker exposes the client's worker.
func (c *Client) Worker() *ucp.Worker {
	return c.worker
}

// Send posts a blocking send to the default peer with Config.Tag, using the
// configured timeout when the supplied context lacks a deadline.
func (c *Client) Send(ctx context.Context, payload []byte) error {
	dest, err := c.defaultDestination()
	if err != nil {
		return err
	}
	return c.SendTo(ctx, dest, c.cfg.Tag, payload)
}

// SendAsync posts a send to the default peer with Config.Tag.
func (c *Client) SendAsync(payload []byte) (*SendFuture, error) {
	dest, err := c.defaultDestination()
	if err != nil {
		return nil, err
	}
	return c.sendAsync(payload, dest, c.cfg.Tag)
}

// SendTo transmits payload with tag to the specified peer.
func (c *Client) SendTo(ctx context.Context, dest Address, tag uint64, payload []byte) error {
	ctx, cancel := c.operationContext(ctx)
	defer cancel()
	if err := ctx.Err(); err != nil {
		return err
	}
	future, err := c.sendAsync(payload, dest, tag)
	if err != nil {
		return err
	}
	return future.Await(ctx)
}

// SendToAsync posts a tagged send targeted at the provided peer. payload
// must not be modified until the future resolves.
func (c *Client) SendToAsync(payload []byte, dest Address, tag uint64) (*SendFuture, error) {
	return c.sendAsync(payload, dest, tag)
}

func (c *Client) sendAsync(payload []byte, dest Address, tag uint64) (*SendFuture, error) {
	if err := c.ensureOpen(); err != nil {
		return nil, err
	}
	if len(payload) == 0 {
		return nil, errors.New("ucp client: empty payload")
	}
	ep, err := c.endpoint(dest)
	if err != nil {
		return nil, err
	}

	op := newOperation(c, OperationSend, len(payload), nil)
	req, err := ep.TagSend(payload, tag, ucp.SendParams{
		HideRegErrors: c.cfg.HideRegErrors,
		Callback: func(_ ucp.Request, err error) {
			op.complete(operationResult{length: len(payload), tag: tag, err: operationError(OperationSend, len(payload), tag, err)})
		},
	})
	if err != nil && !req.Valid() && !isCompletionStatus(err) {
		return nil, fmt.Errorf("post send: %w", err)
	}
	c.stats.sendPosted.Add(1)
	c.logf("client: send posted size=%d dest=%s tag=0x%x", len(payload), dest, tag)
	if !req.Valid() {
		op.complete(operationResult{length: len(payload), tag: tag, err: operationError(OperationSend, len(payload), tag, err)})
		return &SendFuture{op: op}, nil
	}
	req.Release()
	return &SendFuture{op: op}, nil
}

// isCompletionStatus separates sends that were accepted and failed inside the
// posting call from sends the worker refused to start.
func isCompletionStatus(err error) bool {
	var invalid ucp.ErrInvalidHandle
	switch {
	case errors.Is(err, ucp.ErrWorkerClosed), errors.As(err, &invalid):
		return false
	case errors.Is(err, ucs.ErrNoMemory):
		return false
	}
	return true
}

// Receive posts a blocking receive for any tag, filling buf once a message
// arrives. The receive is canceled if ctx ends first.
func (c *Client) Receive(ctx context.Context, buf []byte) (int, error) {
	n, _, err := c.ReceiveTagged(ctx, buf, 0, 0)
	return n, err
}

// ReceiveTagged behaves like Receive but only matches messages whose tag
// equals tag in the bits set in mask. It also returns the sender's tag.
func (c *Client) ReceiveTagged(ctx context.Context, buf []byte, tag, mask uint64) (int, uint64, error) {
	ctx, cancel := c.operationContext(ctx)
	defer cancel()
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	future, err := c.ReceiveTaggedAsync(buf, tag, mask)
	if err != nil {
		return 0, 0, err
	}
	count, err := future.Await(ctx)
	if err != nil {
		if ctx.Err() != nil {
			future.Cancel()
		}
		return 0, 0, err
	}
	return count, future.Tag(), nil
}

// ReceiveAsync posts a receive for any tag and returns a future that
// resolves when data arrives.
func (c *Client) ReceiveAsync(buf []byte) (*ReceiveFuture, error) {
	return c.ReceiveTaggedAsync(buf, 0, 0)
}

// ReceiveTaggedAsync posts a tag-matched receive.
func (c *Client) ReceiveTaggedAsync(buf []byte, tag, mask uint64) (*ReceiveFuture, error) {
	if err := c.ensureOpen(); err != nil {
		return nil, err
	}
	if len(buf) == 0 {
		return nil, errors.New("ucp client: buffer must be non-empty")
	}

	meta := &receiveMeta{buffer: buf}
	op := newOperation(c, OperationReceive, len(buf), meta)
	req, err := c.worker.TagRecv(buf, tag, mask, ucp.TagRecvParams{
		Callback: func(_ ucp.Request, info ucp.TagRecvInfo, err error) {
			c.finishReceive(op, info, err)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("post recv: %w", err)
	}
	c.stats.recvPosted.Add(1)
	c.logf("client: receive posted size=%d tag=0x%x mask=0x%x", len(buf), tag, mask)

	// The callback only fires for receives that did not match inside TagRecv.
	// Completing from here as well is harmless: the operation resolves once.
	if req.IsCompleted() {
		info, _ := req.TestTagRecv()
		c.finishReceive(op, info, req.Err())
	}
	future := &ReceiveFuture{op: op, buf: buf, meta: meta, client: c, req: req}
	req.Release()
	return future, nil
}

func (c *Client) finishReceive(op *operation, info ucp.TagRecvInfo, err error) {
	if meta, ok := op.meta.(*receiveMeta); ok {
		meta.tag.Store(info.SenderTag)
	}
	op.complete(operationResult{
		length: info.Length,
		tag:    info.SenderTag,
		err:    operationError(OperationReceive, info.Length, info.SenderTag, err),
	})
}

func (c *Client) ensureOpen() error {
	if c == nil {
		return ErrClosed
	}
	if c.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (c *Client) defaultDestination() (Address, error) {
	if c == nil {
		return "", ErrClosed
	}
	dest := c.defaultPeer.Load()
	if dest == nil {
		return "", errors.New("ucp client: destination address not configured")
	}
	return *dest, nil
}

func (c *Client) endpoint(dest Address) (*ucp.Endpoint, error) {
	c.peersMu.RLock()
	ep, ok := c.peers[dest]
	c.peersMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("ucp client: peer %s not registered", dest)
	}
	return ep, nil
}

// Stats returns a snapshot of client counters.
func (c *Client) Stats() Stats {
	if c == nil {
		return Stats{}
	}
	return Stats{
		SendPosted:      c.stats.sendPosted.Load(),
		SendCompleted:   c.stats.sendCompleted.Load(),
		SendErrored:     c.stats.sendErrored.Load(),
		ReceivePosted:   c.stats.recvPosted.Load(),
		ReceiveMatched:  c.stats.recvMatched.Load(),
		ReceiveErrored:  c.stats.recvErrored.Load(),
		ReceiveCanceled: c.stats.recvCanceled.Load(),
	}
}

func (c *Client) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	timeout := c.cfg.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ctx, func() {}
		}
		if timeout <= 0 || remaining < timeout {
			return ctx, func() {}
		}
		timeout = remaining
	}
	if timeout <= 0 {
		return ctx, func() {}
	}
	ctxWithTimeout, cancel := context.WithTimeout(ctx, timeout)
	return ctxWithTimeout, cancel
}

// LocalAddress returns the address peers register to reach this client.
func (c *Client) LocalAddress() (Address, error) {
	if err := c.ensureOpen(); err != nil {
		return "", err
	}
	return c.addr, nil
}

// RegisterPeer connects to the client registered under addr. When
// setDefault is true, subsequent calls to Send/SendAsync target the peer
// automatically. Registering a peer twice keeps the first endpoint.
func (c *Client) RegisterPeer(addr Address, setDefault bool) error {
	if err := c.ensureOpen(); err != nil {
		return err
	}
	if addr == "" {
		return errors.New("ucp client: peer address must be non-empty")
	}
	v, ok := clients.Load(addr)
	if !ok {
		return fmt.Errorf("ucp client: no client at %s", addr)
	}
	peer := v.(*Client)

	c.peersMu.Lock()
	if _, exists := c.peers[addr]; !exists {
		ep, err := c.worker.Connect(peer.worker, ucp.EndpointOptions{Lanes: c.cfg.Lanes, LaneDomains: c.cfg.LaneDomains})
		if err != nil {
			c.peersMu.Unlock()
			return fmt.Errorf("connect %s: %w", addr, err)
		}
		c.peers[addr] = ep
	}
	c.peersMu.Unlock()

	if setDefault {
		c.defaultPeer.Store(&addr)
	}
	return nil
}

// SetDefaultPeer configures the destination used by Send/SendAsync. The
// peer must have been registered.
func (c *Client) SetDefaultPeer(addr Address) {
	if c == nil {
		return
	}
	c.defaultPeer.Store(&addr)
}

// DefaultPeer returns the currently configured destination for automatic sends.
func (c *Client) DefaultPeer() Address {
	if c == nil {
		return ""
	}
	if dest := c.defaultPeer.Load(); dest != nil {
		return *dest
	}
	return ""
}

// RegisterSendHandler installs a callback invoked for every completed send. The returned
// function unregisters the handler when invoked. Passing a nil handler is a no-op.
func (c *Client) RegisterSendHandler(handler SendHandler) func() {
	if c == nil || handler == nil {
		return func() {}
	}
	id := c.handlerSeq.Add(1)
	c.handlersMu.Lock()
	if c.sendHandlers == nil {
		c.sendHandlers = make(map[uint64]SendHandler)
	}
	c.sendHandlers[id] = handler
	c.handlersMu.Unlock()
	return func() {
		c.handlersMu.Lock()
		delete(c.sendHandlers, id)
		c.handlersMu.Unlock()
	}
}

// RegisterReceiveHandler installs a callback invoked for every completed receive. The returned
// function unregisters the handler when invoked. Passing a nil handler is a no-op.
func (c *Client) RegisterReceiveHandler(handler ReceiveHandler) func() {
	if c == nil || handler == nil {
		return func() {}
	}
	id := c.handlerSeq.Add(1)
	c.handlersMu.Lock()
	if c.receiveHandlers == nil {
		c.receiveHandlers = make(map[uint64]ReceiveHandler)
	}
	c.receiveHandlers[id] = handler
	c.handlersMu.Unlock()
	return func() {
		c.handlersMu.Lock()
		delete(c.receiveHandlers, id)
		c.handlersMu.Unlock()
	}
}

// dispatch progresses the worker until Close. Completion callbacks run on
// this goroutine; idle rounds back off from 1ms to 10ms.
func (c *Client) dispatch() {
	defer c.wg.Done()

	span := c.span
	startFields := []logField{
		logKV("address", c.addr),
		logKV("lanes", c.cfg.Lanes),
	}
	c.logDispatcherEvent("start", startFields...)
	spanAddEvent(span, "start", startFields...)
	c.metricDispatcherStarted(startFields...)
	defer func() {
		fields := []logField{logKV("status", "ok"), logKV("live_requests", c.worker.LiveRequests())}
		c.logDispatcherEvent("stop", fields...)
		spanAddEvent(span, "stop", fields...)
		c.metricDispatcherStopped(fields...)
		c.finishDispatcherSpan(span, nil)
	}()

	backoff := time.Millisecond
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		if n := c.worker.Progress(); n > 0 {
			backoff = time.Millisecond
			continue
		}

		select {
		case <-c.stopCh:
			return
		case <-time.After(backoff):
		}
		if backoff < 10*time.Millisecond {
			backoff *= 2
		}
	}
}

func (c *Client) emit(op *operation, res operationResult) {
	if c == nil {
		return
	}
	c.logOperationCompletion(op, res)
	switch op.kind {
	case OperationSend:
		if res.err != nil {
			c.stats.sendErrored.Add(1)
			c.logf("client: send errored: %v", res.err)
		} else {
			c.stats.sendCompleted.Add(1)
			c.logf("client: send completed size=%d", res.length)
		}
		c.handlersMu.RLock()
		handlers := make([]SendHandler, 0, len(c.sendHandlers))
		for _, h := range c.sendHandlers {
			handlers = append(handlers, h)
		}
		c.handlersMu.RUnlock()
		if len(handlers) == 0 {
			return
		}
		completion := SendCompletion{Size: res.length, Tag: res.tag, Err: res.err}
		for _, handler := range handlers {
			go handler(completion)
		}
	case OperationReceive:
		switch {
		case res.err == nil:
			c.stats.recvMatched.Add(1)
		case errors.Is(res.err, ucs.ErrCanceled):
			c.stats.recvCanceled.Add(1)
		default:
			c.stats.recvErrored.Add(1)
			c.logf("client: receive errored: %v", res.err)
		}
		meta, _ := op.meta.(*receiveMeta)
		c.handlersMu.RLock()
		handlers := make([]ReceiveHandler, 0, len(c.receiveHandlers))
		for _, h := range c.receiveHandlers {
			handlers = append(handlers, h)
		}
		c.handlersMu.RUnlock()
		if len(handlers) == 0 {
			return
		}
		var basePayload []byte
		if res.length > 0 && meta != nil && len(meta.buffer) >= res.length {
			basePayload = append([]byte(nil), meta.buffer[:res.length]...)
		}
		for _, handler := range handlers {
			var payloadCopy []byte
			if basePayload != nil {
				payloadCopy = append([]byte(nil), basePayload...)
			}
			go handler(ReceiveCompletion{Payload: payloadCopy, Tag: res.tag, Err: res.err})
		}
		if res.err == nil {
			c.logf("client: receive completed size=%d tag=0x%x", res.length, res.tag)
		}
	}
}

func (c *Client) startDispatcherSpan() Span {
	if c == nil || c.tracer == nil {
		return nil
	}
	attrs := []TraceAttribute{
		{Key: "component", Value: "ucp-client"},
		{Key: "address", Value: string(c.addr)},
		{Key: "lanes", Value: c.cfg.Lanes},
		{Key: "thread_mode", Value: c.worker.ThreadMode().String()},
	}
	return c.tracer.StartSpan("ucp-client-dispatcher", attrs...)
}

func (c *Client) finishDispatcherSpan(span Span, err error) {
	if span == nil {
		return
	}
	span.End(err)
}

func (c *Client) logOperationCompletion(op *operation, res operationResult) {
	if c == nil || op == nil {
		return
	}
	status := "ok"
	if res.err != nil {
		status = "error"
	}
	eventName := "completion"
	if status != "ok" {
		eventName = "completion_error"
	}
	fields := []logField{
		logKV("operation", op.kind.String()),
		logKV("status", status),
	}
	if op.size > 0 {
		fields = append(fields, logKV("requested_size", op.size))
	}
	if res.length > 0 {
		fields = append(fields, logKV("length", res.length))
	}
	fields = append(fields, logKV("tag", fmt.Sprintf("0x%x", res.tag)))
	if res.err != nil {
		fields = append(fields, logKV("ucs_status", ucs.StatusOf(res.err).String()), logKV("error", res.err))
	}
	c.logDispatcherEvent(eventName, fields...)
	spanAddEvent(c.span, eventName, fields...)
	if res.err != nil {
		spanRecordError(c.span, res.err)
	}
	switch op.kind {
	case OperationSend:
		if res.err != nil {
			c.metricSendFailed(res.err, fields...)
		} else {
			c.metricSendCompleted(fields...)
		}
	case OperationReceive:
		if res.err != nil {
			c.metricReceiveFailed(res.err, fields...)
		} else {
			c.metricReceiveCompleted(fields...)
		}
	}
}

func spanAddEvent(span Span, name string, fields ...logField) {
	if span == nil {
		return
	}
	span.AddEvent(name, attributesFromFields(fields...)...)
}

func spanRecordError(span Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
}

func attributesFromFields(fields ...logField) []TraceAttribute {
	if len(fields) == 0 {
		return nil
	}
	attrs := make([]TraceAttribute, 0, len(fields))
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		attrs = append(attrs, TraceAttribute{Key: field.key, Value: field.value})
	}
	return attrs
}

func ensureContext(ctx context.Context) context.Context {
	if ctx != nil {
		return ctx
	}
	return context.Background()
}

func (c *Client) logf(format string, args ...any) {
	if c == nil || c.logger == nil {
		return
	}
	c.logger.Debugf(format, args...)
}
