package bacnet

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// fakeGateway is an in-process bacgw stand-in speaking the newline
// delimited JSON protocol. The handler runs once per request frame and
// may reply zero or more times, immediately or later.
type fakeGateway struct {
	ln      net.Listener
	handler func(req gatewayRequest, reply func(gatewayResponse))

	mu    sync.Mutex
	conns []net.Conn

	wg sync.WaitGroup
}

func newFakeGateway(t *testing.T, handler func(gatewayRequest, func(gatewayResponse))) *fakeGateway {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	return newFakeGatewayOn(t, ln, handler)
}

func newFakeGatewayOn(t *testing.T, ln net.Listener, handler func(gatewayRequest, func(gatewayResponse))) *fakeGateway {
	t.Helper()

	g := &fakeGateway{ln: ln, handler: handler}
	g.wg.Add(1)
	go g.serve()

	t.Cleanup(func() {
		g.ln.Close() //nolint:errcheck // Test cleanup
		g.closeConns()
		g.wg.Wait()
	})
	return g
}

func (g *fakeGateway) addr() string { return g.ln.Addr().String() }

// closeConns drops every accepted connection, simulating a gateway
// crash mid-conversation.
func (g *fakeGateway) closeConns() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, c := range g.conns {
		c.Close() //nolint:errcheck // Test cleanup
	}
	g.conns = nil
}

func (g *fakeGateway) serve() {
	defer g.wg.Done()
	for {
		conn, err := g.ln.Accept()
		if err != nil {
			return
		}
		g.mu.Lock()
		g.conns = append(g.conns, conn)
		g.mu.Unlock()

		g.wg.Add(1)
		go g.handle(conn)
	}
}

func (g *fakeGateway) handle(conn net.Conn) {
	defer g.wg.Done()

	var writeMu sync.Mutex
	reply := func(resp gatewayResponse) {
		frame, err := json.Marshal(resp)
		if err != nil {
			return
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.Write(append(frame, '\n')) //nolint:errcheck // Test server
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), maxFrameSize)
	for scanner.Scan() {
		var req gatewayRequest
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			return
		}
		g.handler(req, reply)
	}
}

// newTestTransport wires a transport to a fresh fake gateway. Cleanup
// closes the transport before the gateway so shutdown cannot deadlock.
func newTestTransport(t *testing.T, handler func(gatewayRequest, func(gatewayResponse))) *IPTransport {
	t.Helper()

	g := newFakeGateway(t, handler)
	tr, err := NewIPTransport(GatewayConfig{Address: g.addr()})
	if err != nil {
		t.Fatalf("NewIPTransport() error = %v", err)
	}
	t.Cleanup(func() {
		tr.Close() //nolint:errcheck // Test cleanup
	})
	return tr
}

func TestParseGatewayAddress(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		wantNetwork string
		wantAddr    string
		wantErr     bool
	}{
		{"bare host port", "127.0.0.1:47810", "tcp", "127.0.0.1:47810", false},
		{"tcp scheme", "tcp://10.0.0.1:47810", "tcp", "10.0.0.1:47810", false},
		{"unix scheme", "unix:///run/bacgw.sock", "unix", "/run/bacgw.sock", false},
		{"unsupported scheme", "http://10.0.0.1:8080", "", "", true},
		{"empty", "", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			network, addr, err := parseGatewayAddress(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseGatewayAddress(%q) expected error", tt.input)
				}
				if !errors.Is(err, ErrConnectionFailed) {
					t.Errorf("error = %v, want ErrConnectionFailed", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseGatewayAddress(%q) error = %v", tt.input, err)
			}
			if network != tt.wantNetwork || addr != tt.wantAddr {
				t.Errorf("parseGatewayAddress(%q) = %q, %q, want %q, %q",
					tt.input, network, addr, tt.wantNetwork, tt.wantAddr)
			}
		})
	}
}

func TestIPTransport_ReadProperty(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    float64
	}{
		{"bare number", "42.5", 42.5},
		{"wrapped object", `{"value":7.25,"status":"ok"}`, 7.25},
		{"numeric string", `"12.5"`, 12.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := tt.payload
			tr := newTestTransport(t, func(req gatewayRequest, reply func(gatewayResponse)) {
				reply(gatewayResponse{ID: req.ID, Value: json.RawMessage(payload)})
			})

			got, err := tr.ReadProperty(context.Background(), "192.168.10.40", objRef(1))
			if err != nil {
				t.Fatalf("ReadProperty() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("ReadProperty() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIPTransport_RequestShape(t *testing.T) {
	var mu sync.Mutex
	var captured []gatewayRequest

	tr := newTestTransport(t, func(req gatewayRequest, reply func(gatewayResponse)) {
		mu.Lock()
		captured = append(captured, req)
		mu.Unlock()

		if req.Method == "read" {
			reply(gatewayResponse{ID: req.ID, Value: json.RawMessage("1")})
			return
		}
		var results []gatewayReadItem
		for _, name := range req.Objects {
			results = append(results, gatewayReadItem{Object: name, Value: json.RawMessage("2")})
		}
		reply(gatewayResponse{ID: req.ID, Results: results})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := tr.ReadProperty(ctx, "192.168.10.40", objRef(3)); err != nil {
		t.Fatalf("ReadProperty() error = %v", err)
	}
	if _, err := tr.ReadPropertyMultiple(ctx, "192.168.10.40", []ObjectRef{objRef(1), objRef(2)}); err != nil {
		t.Fatalf("ReadPropertyMultiple() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(captured) != 2 {
		t.Fatalf("gateway saw %d requests, want 2", len(captured))
	}

	single := captured[0]
	if single.Method != "read" || single.Device != "192.168.10.40" || single.Object != "analog-input:3" {
		t.Errorf("read request = %+v", single)
	}
	// The gateway is granted the caller's deadline minus a reply margin,
	// so its answer can land before the caller gives up.
	if single.TimeoutMs <= 3000 || single.TimeoutMs > 4800 {
		t.Errorf("read request timeout_ms = %d, want within (3000, 4800]", single.TimeoutMs)
	}

	multi := captured[1]
	if multi.Method != "readMultiple" || len(multi.Objects) != 2 {
		t.Errorf("readMultiple request = %+v", multi)
	}
	if multi.Objects[0] != "analog-input:1" || multi.Objects[1] != "analog-input:2" {
		t.Errorf("readMultiple objects = %v", multi.Objects)
	}
}

func TestIPTransport_GatewayErrorMapping(t *testing.T) {
	tests := []struct {
		code string
		want error
	}{
		{"timeout", ErrReadTimeout},
		{"unreachable", ErrDeviceOffline},
		{"no-response", ErrDeviceOffline},
		{"object-not-found", ErrObjectFault},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			code := tt.code
			tr := newTestTransport(t, func(req gatewayRequest, reply func(gatewayResponse)) {
				reply(gatewayResponse{ID: req.ID, Error: code})
			})

			_, err := tr.ReadProperty(context.Background(), "192.168.10.40", objRef(1))
			if !errors.Is(err, tt.want) {
				t.Errorf("ReadProperty() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestIPTransport_ReadPropertyMultiple(t *testing.T) {
	tr := newTestTransport(t, func(req gatewayRequest, reply func(gatewayResponse)) {
		reply(gatewayResponse{ID: req.ID, Results: []gatewayReadItem{
			{Object: "analog-input:1", Value: json.RawMessage("1.5")},
			{Object: "analog-input:2", Value: json.RawMessage(`{"value":2.5}`)},
			{Object: "analog-input:3", Value: json.RawMessage(`"3.5"`)},
		}})
	})

	result, err := tr.ReadPropertyMultiple(context.Background(), "192.168.10.40",
		[]ObjectRef{objRef(1), objRef(2), objRef(3)})
	if err != nil {
		t.Fatalf("ReadPropertyMultiple() error = %v", err)
	}

	want := map[ObjectRef]float64{objRef(1): 1.5, objRef(2): 2.5, objRef(3): 3.5}
	if len(result.Values) != len(want) {
		t.Fatalf("Values = %v, want %v", result.Values, want)
	}
	for obj, v := range want {
		if result.Values[obj] != v {
			t.Errorf("Values[%v] = %v, want %v", obj, result.Values[obj], v)
		}
	}
	if len(result.Faults) != 0 {
		t.Errorf("Faults = %v, want none", result.Faults)
	}
}

func TestIPTransport_ReadPropertyMultiplePartial(t *testing.T) {
	// Four objects requested: one value, one bus timeout, one device
	// fault, one missing from the response entirely. The two answered
	// objects must be kept and the call must report a timeout for the
	// rest.
	tr := newTestTransport(t, func(req gatewayRequest, reply func(gatewayResponse)) {
		reply(gatewayResponse{ID: req.ID, Results: []gatewayReadItem{
			{Object: "analog-input:1", Value: json.RawMessage("1.5")},
			{Object: "analog-input:2", Error: "timeout"},
			{Object: "analog-input:3", Error: "object-not-found"},
		}})
	})

	result, err := tr.ReadPropertyMultiple(context.Background(), "192.168.10.40",
		[]ObjectRef{objRef(1), objRef(2), objRef(3), objRef(4)})

	if !errors.Is(err, ErrReadTimeout) {
		t.Fatalf("ReadPropertyMultiple() error = %v, want ErrReadTimeout", err)
	}
	if len(result.Values) != 1 || result.Values[objRef(1)] != 1.5 {
		t.Errorf("Values = %v, want analog-input:1 = 1.5", result.Values)
	}
	if len(result.Faults) != 1 || !errors.Is(result.Faults[objRef(3)], ErrObjectFault) {
		t.Errorf("Faults = %v, want analog-input:3 fault", result.Faults)
	}
}

func TestIPTransport_DeviceLevelError(t *testing.T) {
	tr := newTestTransport(t, func(req gatewayRequest, reply func(gatewayResponse)) {
		reply(gatewayResponse{ID: req.ID, Error: "unreachable"})
	})

	result, err := tr.ReadPropertyMultiple(context.Background(), "192.168.10.40",
		[]ObjectRef{objRef(1), objRef(2)})
	if !errors.Is(err, ErrDeviceOffline) {
		t.Fatalf("ReadPropertyMultiple() error = %v, want ErrDeviceOffline", err)
	}
	if len(result.Values) != 0 || len(result.Faults) != 0 {
		t.Errorf("result = %+v, want empty", result)
	}
}

func TestIPTransport_NoResponseHitsDeadline(t *testing.T) {
	tr := newTestTransport(t, func(gatewayRequest, func(gatewayResponse)) {
		// Swallow the request.
	})

	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := tr.ReadProperty(ctx, "192.168.10.40", objRef(1))
	elapsed := time.Since(start)

	if !errors.Is(err, ErrReadTimeout) {
		t.Fatalf("ReadProperty() error = %v, want ErrReadTimeout", err)
	}
	if elapsed > 2*time.Second {
		t.Errorf("ReadProperty() took %v, deadline was not honoured", elapsed)
	}
}

func TestIPTransport_DialFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close() //nolint:errcheck // Freed so the dial below is refused

	tr, err := NewIPTransport(GatewayConfig{Address: addr, ConnectTimeout: time.Second})
	if err != nil {
		t.Fatalf("NewIPTransport() error = %v", err)
	}
	defer tr.Close() //nolint:errcheck // Test cleanup

	_, err = tr.ReadProperty(context.Background(), "192.168.10.40", objRef(1))
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("ReadProperty() error = %v, want ErrConnectionFailed", err)
	}
}

func TestIPTransport_ConcurrentReadsOutOfOrderReplies(t *testing.T) {
	// The gateway holds both requests and answers them in reverse, so
	// correct delivery depends on matching responses by id rather than
	// by arrival order.
	var mu sync.Mutex
	var backlog []gatewayRequest

	tr := newTestTransport(t, func(req gatewayRequest, reply func(gatewayResponse)) {
		mu.Lock()
		defer mu.Unlock()
		backlog = append(backlog, req)
		if len(backlog) < 2 {
			return
		}
		for i := len(backlog) - 1; i >= 0; i-- {
			q := backlog[i]
			v := "2.5"
			if q.Object == "analog-input:1" {
				v = "1.5"
			}
			reply(gatewayResponse{ID: q.ID, Value: json.RawMessage(v)})
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	results := make([]float64, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = tr.ReadProperty(ctx, "192.168.10.40", objRef(i+1))
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("read %d error = %v", i+1, err)
		}
	}
	if results[0] != 1.5 || results[1] != 2.5 {
		t.Errorf("values = %v, want [1.5 2.5]", results)
	}
}

func TestIPTransport_ConnectionLossFailsPendingReads(t *testing.T) {
	received := make(chan struct{}, 1)
	g := newFakeGateway(t, func(gatewayRequest, func(gatewayResponse)) {
		received <- struct{}{}
	})

	tr, err := NewIPTransport(GatewayConfig{Address: g.addr()})
	if err != nil {
		t.Fatalf("NewIPTransport() error = %v", err)
	}
	t.Cleanup(func() {
		tr.Close() //nolint:errcheck // Test cleanup
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		_, err := tr.ReadProperty(ctx, "192.168.10.40", objRef(1))
		errCh <- err
	}()

	<-received
	g.closeConns()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrNotConnected) {
			t.Errorf("ReadProperty() error = %v, want ErrNotConnected", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending read did not fail after connection loss")
	}
}

func TestIPTransport_RedialsAfterConnectionLoss(t *testing.T) {
	g := newFakeGateway(t, func(req gatewayRequest, reply func(gatewayResponse)) {
		reply(gatewayResponse{ID: req.ID, Value: json.RawMessage("5")})
	})

	tr, err := NewIPTransport(GatewayConfig{Address: g.addr()})
	if err != nil {
		t.Fatalf("NewIPTransport() error = %v", err)
	}
	t.Cleanup(func() {
		tr.Close() //nolint:errcheck // Test cleanup
	})

	if _, err := tr.ReadProperty(context.Background(), "192.168.10.40", objRef(1)); err != nil {
		t.Fatalf("initial ReadProperty() error = %v", err)
	}

	g.closeConns()

	// The loss may be noticed mid-attempt, so retry until the transport
	// has redialled.
	deadline := time.Now().Add(3 * time.Second)
	var got float64
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
		got, err = tr.ReadProperty(ctx, "192.168.10.40", objRef(1))
		cancel()
		if err == nil || time.Now().After(deadline) {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("ReadProperty() never recovered: %v", err)
	}
	if got != 5 {
		t.Errorf("ReadProperty() = %v, want 5", got)
	}
	if tr.Stats().Reconnects == 0 {
		t.Error("Stats().Reconnects = 0 after recovery")
	}
}

func TestIPTransport_UnixSocket(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "bacgw.sock")
	ln, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatalf("failed to listen on unix socket: %v", err)
	}
	newFakeGatewayOn(t, ln, func(req gatewayRequest, reply func(gatewayResponse)) {
		reply(gatewayResponse{ID: req.ID, Value: json.RawMessage("9.5")})
	})

	tr, err := NewIPTransport(GatewayConfig{Address: "unix://" + sock})
	if err != nil {
		t.Fatalf("NewIPTransport() error = %v", err)
	}
	t.Cleanup(func() {
		tr.Close() //nolint:errcheck // Test cleanup
	})

	got, err := tr.ReadProperty(context.Background(), "192.168.10.40", objRef(1))
	if err != nil {
		t.Fatalf("ReadProperty() error = %v", err)
	}
	if got != 9.5 {
		t.Errorf("ReadProperty() = %v, want 9.5", got)
	}
}

func TestIPTransport_CloseIdempotent(t *testing.T) {
	tr := newTestTransport(t, func(req gatewayRequest, reply func(gatewayResponse)) {
		reply(gatewayResponse{ID: req.ID, Value: json.RawMessage("1")})
	})

	if _, err := tr.ReadProperty(context.Background(), "192.168.10.40", objRef(1)); err != nil {
		t.Fatalf("ReadProperty() error = %v", err)
	}

	if err := tr.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}

	if _, err := tr.ReadProperty(context.Background(), "192.168.10.40", objRef(1)); !errors.Is(err, ErrNotConnected) {
		t.Errorf("ReadProperty() after Close error = %v, want ErrNotConnected", err)
	}
}
