package bacnet

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meterpoint/metersync/internal/infrastructure/logging"
)

// Gateway connection defaults and protocol limits.
const (
	// defaultConnectTimeout is the maximum time to wait when dialling
	// the gateway.
	defaultConnectTimeout = 5 * time.Second

	// defaultRequestTimeout bounds a request when the caller's context
	// carries no deadline of its own.
	defaultRequestTimeout = 10 * time.Second

	// writeTimeout is the deadline for writing a single request frame.
	writeTimeout = 5 * time.Second

	// maxFrameSize is the largest response frame the transport accepts.
	maxFrameSize = 1 << 16

	// gatewayReplyMargin is shaved off the caller's deadline when
	// telling the gateway how long it may wait on the bus, so a partial
	// response can still reach us before the caller gives up.
	gatewayReplyMargin = 200 * time.Millisecond

	// minGatewayWaitMs is the smallest bus wait ever requested.
	minGatewayWaitMs = 100
)

// Gateway error codes, as reported in response frames.
const (
	gatewayErrTimeout     = "timeout"
	gatewayErrUnreachable = "unreachable"
	gatewayErrNoResponse  = "no-response"
)

// Transport reads present values from BACnet devices.
//
// Implementations must be safe for concurrent use; collection runs
// several devices in parallel.
type Transport interface {
	// ReadProperty reads one object's present value.
	ReadProperty(ctx context.Context, address string, obj ObjectRef) (float64, error)

	// ReadPropertyMultiple reads several objects in a single exchange.
	// Objects the device answered in time appear in Values; objects it
	// answered with an error appear in Faults. When some objects went
	// unanswered before the deadline, the partial result is returned
	// together with ErrReadTimeout — work completed before a timeout is
	// never discarded.
	ReadPropertyMultiple(ctx context.Context, address string, objs []ObjectRef) (BatchResult, error)

	// Close releases the transport.
	Close() error
}

// BatchResult is the outcome of one ReadPropertyMultiple exchange.
type BatchResult struct {
	// Values holds objects that produced a usable number.
	Values map[ObjectRef]float64

	// Faults holds objects the device definitively rejected; retrying
	// them within the cycle is pointless.
	Faults map[ObjectRef]error
}

// GatewayConfig holds settings for connecting to the bacgw daemon.
type GatewayConfig struct {
	// Address is the gateway endpoint.
	// Supported formats:
	//   - "tcp://127.0.0.1:47810"
	//   - "unix:///run/bacgw.sock"
	//   - "127.0.0.1:47810" (tcp assumed)
	Address string

	// ConnectTimeout is the maximum time to wait for a dial.
	// Default: 5 seconds.
	ConnectTimeout time.Duration

	// RequestTimeout bounds requests whose context has no deadline.
	// Default: 10 seconds.
	RequestTimeout time.Duration

	// Logger is optional.
	Logger *logging.Logger
}

// TransportStats holds operational counters for the gateway link.
type TransportStats struct {
	RequestsTx   uint64
	ResponsesRx  uint64
	Timeouts     uint64
	ErrorsTotal  uint64
	Reconnects   uint64
	Connected    bool
	LastActivity time.Time
}

// gatewayRequest is one line-delimited JSON frame sent to the gateway.
type gatewayRequest struct {
	ID        uint64   `json:"id"`
	Method    string   `json:"method"`
	Device    string   `json:"device"`
	Object    string   `json:"object,omitempty"`
	Objects   []string `json:"objects,omitempty"`
	TimeoutMs int64    `json:"timeout_ms"`
}

// gatewayResponse is one frame received from the gateway.
type gatewayResponse struct {
	ID      uint64            `json:"id"`
	Value   json.RawMessage   `json:"value,omitempty"`
	Error   string            `json:"error,omitempty"`
	Results []gatewayReadItem `json:"results,omitempty"`
}

// gatewayReadItem is one object's outcome within a readMultiple response.
type gatewayReadItem struct {
	Object string          `json:"object"`
	Value  json.RawMessage `json:"value,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// pendingReply carries a matched response, or a connection failure,
// back to the waiting request.
type pendingReply struct {
	resp gatewayResponse
	err  error
}

// Ensure IPTransport implements Transport.
var _ Transport = (*IPTransport)(nil)

// IPTransport talks to the bacgw gateway daemon, which owns the
// BACnet/IP socket and performs the actual bus I/O. Frames are newline
// delimited JSON matched to callers by request id, so reads for several
// devices can be in flight at once and a slow meter does not hold up
// the rest of the cycle.
//
// The connection is dialled on first use and redialled on demand after
// a failure; collection against a dead gateway fails fast instead of
// blocking.
type IPTransport struct {
	cfg     GatewayConfig
	network string
	addr    string

	connMu        sync.Mutex
	conn          net.Conn
	everConnected bool

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[uint64]chan pendingReply

	nextID atomic.Uint64
	closed atomic.Bool
	wg     sync.WaitGroup

	requestsTx   atomic.Uint64
	responsesRx  atomic.Uint64
	timeouts     atomic.Uint64
	errorsTotal  atomic.Uint64
	reconnects   atomic.Uint64
	lastActivity atomic.Int64
}

// NewIPTransport validates the configuration and returns a transport.
// No connection is made until the first read.
func NewIPTransport(cfg GatewayConfig) (*IPTransport, error) {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}

	network, addr, err := parseGatewayAddress(cfg.Address)
	if err != nil {
		return nil, err
	}

	return &IPTransport{
		cfg:     cfg,
		network: network,
		addr:    addr,
		pending: make(map[uint64]chan pendingReply),
	}, nil
}

// parseGatewayAddress resolves a gateway address string into a network
// and dial address.
func parseGatewayAddress(address string) (network, addr string, err error) {
	if address == "" {
		return "", "", fmt.Errorf("%w: gateway address is empty", ErrConnectionFailed)
	}
	if !strings.Contains(address, "://") {
		return "tcp", address, nil
	}

	u, err := url.Parse(address)
	if err != nil {
		return "", "", fmt.Errorf("%w: invalid gateway address: %w", ErrConnectionFailed, err)
	}

	switch u.Scheme {
	case "tcp":
		return "tcp", u.Host, nil
	case "unix":
		return "unix", u.Path, nil
	default:
		return "", "", fmt.Errorf("%w: unsupported scheme %q (use tcp or unix)", ErrConnectionFailed, u.Scheme)
	}
}

// ReadProperty reads one object's present value from a device.
func (t *IPTransport) ReadProperty(ctx context.Context, address string, obj ObjectRef) (float64, error) {
	ctx, cancel := t.withDefaultDeadline(ctx)
	defer cancel()

	resp, err := t.request(ctx, gatewayRequest{
		Method:    "read",
		Device:    address,
		Object:    obj.String(),
		TimeoutMs: t.busWaitMs(ctx),
	})
	if err != nil {
		return 0, err
	}
	if resp.Error != "" {
		return 0, gatewayError(resp.Error)
	}

	raw, err := decodeRawValue(resp.Value)
	if err != nil {
		return 0, err
	}
	return NormalizeValue(raw)
}

// ReadPropertyMultiple reads several objects from a device in one
// exchange. See Transport for the partial-result contract.
func (t *IPTransport) ReadPropertyMultiple(ctx context.Context, address string, objs []ObjectRef) (BatchResult, error) {
	result := BatchResult{
		Values: make(map[ObjectRef]float64, len(objs)),
		Faults: make(map[ObjectRef]error),
	}
	if len(objs) == 0 {
		return result, nil
	}

	ctx, cancel := t.withDefaultDeadline(ctx)
	defer cancel()

	names := make([]string, len(objs))
	for i, obj := range objs {
		names[i] = obj.String()
	}

	resp, err := t.request(ctx, gatewayRequest{
		Method:    "readMultiple",
		Device:    address,
		Objects:   names,
		TimeoutMs: t.busWaitMs(ctx),
	})
	if err != nil {
		return result, err
	}
	if resp.Error != "" {
		return result, gatewayError(resp.Error)
	}

	unanswered := 0
	for _, item := range resp.Results {
		obj, err := ParseObjectRef(item.Object)
		if err != nil {
			t.errorsTotal.Add(1)
			t.logError("gateway returned unknown object reference", err)
			continue
		}

		switch {
		case item.Error == gatewayErrTimeout:
			unanswered++
		case item.Error != "":
			result.Faults[obj] = gatewayError(item.Error)
		default:
			raw, err := decodeRawValue(item.Value)
			if err != nil {
				result.Faults[obj] = err
				continue
			}
			v, err := NormalizeValue(raw)
			if err != nil {
				result.Faults[obj] = err
				continue
			}
			result.Values[obj] = v
		}
	}

	// Objects absent from the response entirely count as unanswered,
	// so an incomplete reply still surfaces as a timeout to retry.
	if missing := len(objs) - len(result.Values) - len(result.Faults) - unanswered; missing > 0 {
		unanswered += missing
	}

	if unanswered > 0 {
		t.timeouts.Add(1)
		return result, fmt.Errorf("%w: %d of %d objects unanswered", ErrReadTimeout, unanswered, len(objs))
	}
	return result, nil
}

// withDefaultDeadline applies RequestTimeout when the caller supplied
// no deadline of its own.
func (t *IPTransport) withDefaultDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, t.cfg.RequestTimeout)
}

// busWaitMs computes how long the gateway may wait on the bus: the
// caller's remaining deadline minus the reply margin.
func (t *IPTransport) busWaitMs(ctx context.Context) int64 {
	d, ok := ctx.Deadline()
	if !ok {
		return t.cfg.RequestTimeout.Milliseconds()
	}
	if ms := (time.Until(d) - gatewayReplyMargin).Milliseconds(); ms > minGatewayWaitMs {
		return ms
	}
	return minGatewayWaitMs
}

// request performs one request/response exchange with the gateway.
func (t *IPTransport) request(ctx context.Context, req gatewayRequest) (gatewayResponse, error) {
	conn, err := t.ensureConn(ctx)
	if err != nil {
		return gatewayResponse{}, err
	}

	req.ID = t.nextID.Add(1)
	ch := make(chan pendingReply, 1)

	t.pendingMu.Lock()
	t.pending[req.ID] = ch
	t.pendingMu.Unlock()

	frame, err := json.Marshal(req)
	if err != nil {
		t.unregister(req.ID)
		return gatewayResponse{}, fmt.Errorf("bacnet: encoding request: %w", err)
	}
	frame = append(frame, '\n')

	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	t.writeMu.Lock()
	err = conn.SetWriteDeadline(deadline)
	if err == nil {
		_, err = conn.Write(frame)
	}
	t.writeMu.Unlock()
	if err != nil {
		t.unregister(req.ID)
		t.errorsTotal.Add(1)
		t.dropConn(conn)
		return gatewayResponse{}, fmt.Errorf("%w: write: %w", ErrNotConnected, err)
	}

	t.requestsTx.Add(1)

	select {
	case <-ctx.Done():
		t.unregister(req.ID)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			t.timeouts.Add(1)
			return gatewayResponse{}, fmt.Errorf("%w: no response within deadline", ErrReadTimeout)
		}
		return gatewayResponse{}, ctx.Err()
	case reply := <-ch:
		if reply.err != nil {
			return gatewayResponse{}, reply.err
		}
		return reply.resp, nil
	}
}

// ensureConn returns the live connection, dialling if necessary.
func (t *IPTransport) ensureConn(ctx context.Context) (net.Conn, error) {
	t.connMu.Lock()
	defer t.connMu.Unlock()

	if t.conn != nil {
		return t.conn, nil
	}
	if t.closed.Load() {
		return nil, fmt.Errorf("%w: transport closed", ErrNotConnected)
	}

	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.ConnectTimeout)
	defer cancel()

	var dialer net.Dialer
	conn, err := dialer.DialContext(dialCtx, t.network, t.addr)
	if err != nil {
		t.errorsTotal.Add(1)
		return nil, fmt.Errorf("%w: dial %s://%s: %w", ErrConnectionFailed, t.network, t.addr, err)
	}

	if t.everConnected {
		t.reconnects.Add(1)
		t.logInfo("gateway reconnected", "address", t.cfg.Address)
	} else {
		t.everConnected = true
		t.logInfo("gateway connected", "address", t.cfg.Address)
	}

	t.conn = conn
	t.lastActivity.Store(time.Now().Unix())

	t.wg.Add(1)
	go t.readLoop(conn)

	return conn, nil
}

// readLoop delivers response frames to their waiting requests. It owns
// the connection's read side and exits when the connection dies or the
// transport closes.
func (t *IPTransport) readLoop(conn net.Conn) {
	defer t.wg.Done()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), maxFrameSize)

	for scanner.Scan() {
		var resp gatewayResponse
		if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
			t.errorsTotal.Add(1)
			t.logError("malformed gateway frame", err)
			continue
		}

		t.responsesRx.Add(1)
		t.lastActivity.Store(time.Now().Unix())

		t.pendingMu.Lock()
		ch, ok := t.pending[resp.ID]
		if ok {
			delete(t.pending, resp.ID)
		}
		t.pendingMu.Unlock()

		if !ok {
			// Late reply for a request that already timed out.
			t.logDebug("response for unknown request", "id", resp.ID)
			continue
		}
		ch <- pendingReply{resp: resp}
	}

	if err := scanner.Err(); err != nil && !t.closed.Load() {
		t.errorsTotal.Add(1)
		t.logError("gateway connection lost", err)
	}

	t.dropConn(conn)
	t.failPending()
}

// dropConn forgets conn if it is still the active connection.
func (t *IPTransport) dropConn(conn net.Conn) {
	t.connMu.Lock()
	if t.conn == conn {
		t.conn = nil
	}
	t.connMu.Unlock()
	conn.Close() //nolint:errcheck // Best effort on a dead connection
}

// failPending wakes every in-flight request with a connection error.
func (t *IPTransport) failPending() {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()

	for id, ch := range t.pending {
		delete(t.pending, id)
		ch <- pendingReply{err: fmt.Errorf("%w: connection lost", ErrNotConnected)}
	}
}

// unregister removes a pending request after a local failure.
func (t *IPTransport) unregister(id uint64) {
	t.pendingMu.Lock()
	delete(t.pending, id)
	t.pendingMu.Unlock()
}

// gatewayError maps a gateway error code onto the package sentinels.
func gatewayError(code string) error {
	switch code {
	case gatewayErrTimeout:
		return fmt.Errorf("%w: device did not answer", ErrReadTimeout)
	case gatewayErrUnreachable, gatewayErrNoResponse:
		return fmt.Errorf("%w: gateway reports %s", ErrDeviceOffline, code)
	default:
		return fmt.Errorf("%w: %s", ErrObjectFault, code)
	}
}

// decodeRawValue unmarshals a response value into its loose JSON form
// for normalisation.
func decodeRawValue(raw json.RawMessage) (any, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: response carried no value", ErrBadValue)
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("%w: undecodable value: %w", ErrBadValue, err)
	}
	return v, nil
}

// Connected reports whether a gateway connection is currently open.
func (t *IPTransport) Connected() bool {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	return t.conn != nil
}

// Stats returns operational counters for the gateway link.
func (t *IPTransport) Stats() TransportStats {
	return TransportStats{
		RequestsTx:   t.requestsTx.Load(),
		ResponsesRx:  t.responsesRx.Load(),
		Timeouts:     t.timeouts.Load(),
		ErrorsTotal:  t.errorsTotal.Load(),
		Reconnects:   t.reconnects.Load(),
		Connected:    t.Connected(),
		LastActivity: time.Unix(t.lastActivity.Load(), 0),
	}
}

// Close shuts the transport down and waits for the read loop to exit.
// Safe to call multiple times.
func (t *IPTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}

	t.connMu.Lock()
	conn := t.conn
	t.conn = nil
	t.connMu.Unlock()

	if conn != nil {
		conn.Close() //nolint:errcheck // Unblocks the read loop
	}

	t.wg.Wait()
	return nil
}

// logDebug logs a debug message if a logger is configured.
func (t *IPTransport) logDebug(msg string, args ...any) {
	if t.cfg.Logger != nil {
		t.cfg.Logger.Debug(msg, args...)
	}
}

// logInfo logs an info message if a logger is configured.
func (t *IPTransport) logInfo(msg string, args ...any) {
	if t.cfg.Logger != nil {
		t.cfg.Logger.Info(msg, args...)
	}
}

// logError logs an error message if a logger is configured.
func (t *IPTransport) logError(msg string, err error) {
	if t.cfg.Logger != nil {
		t.cfg.Logger.Error(msg, "error", err)
	}
}
