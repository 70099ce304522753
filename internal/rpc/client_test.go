package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/linkgate/pkg/models"
)

// fakeGateway answers connect and then hands every request to handle. A nil
// return from handle means "stay silent".
type fakeGateway struct {
	t        *testing.T
	password string
	handle   func(conn *websocket.Conn, frame Frame) *Frame
	connects atomic.Int32
	mu       sync.Mutex
}

func (g *fakeGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if g.password != "" && r.Header.Get("Authorization") != "Bearer "+g.password {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			g.t.Errorf("bad frame: %v", err)
			return
		}
		if frame.Method == string(models.MethodConnect) {
			g.connects.Add(1)
			g.write(conn, okFrame(frame.ID, map[string]any{"type": "hello-ok", "protocol": ProtocolVersion, "server": map[string]any{"id": "fake"}}))
			continue
		}
		resp := g.handle(conn, frame)
		if resp != nil {
			g.write(conn, *resp)
		}
	}
}

func (g *fakeGateway) write(conn *websocket.Conn, frame Frame) {
	g.mu.Lock()
	defer g.mu.Unlock()
	data, _ := json.Marshal(frame)
	_ = conn.WriteMessage(websocket.TextMessage, data)
}

func okFrame(id string, payload any) Frame {
	raw, _ := json.Marshal(payload)
	ok := true
	return Frame{Type: FrameResponse, ID: id, OK: &ok, Payload: raw}
}

func errFrame(id, code, message string) Frame {
	ok := false
	return Frame{Type: FrameResponse, ID: id, OK: &ok, Error: &FrameError{Code: code, Message: message}}
}

func startGateway(t *testing.T, g *fakeGateway) (*httptest.Server, *Client) {
	t.Helper()
	g.t = t
	srv := httptest.NewServer(g)
	t.Cleanup(srv.Close)
	client := NewClient(Options{URL: "ws" + strings.TrimPrefix(srv.URL, "http"), Password: g.password})
	t.Cleanup(func() { client.Close() })
	return srv, client
}

func TestClientCallDecodesResult(t *testing.T) {
	g := &fakeGateway{handle: func(_ *websocket.Conn, f Frame) *Frame {
		var params models.LoginStartParams
		_ = json.Unmarshal(f.Params, &params)
		if !params.Force {
			resp := errFrame(f.ID, "invalid_params", "force expected")
			return &resp
		}
		resp := okFrame(f.ID, map[string]any{"qrDataUrl": "data:image/png;base64,AA==", "message": "scan"})
		return &resp
	}}
	_, client := startGateway(t, g)

	var out models.LoginStartResult
	err := client.Call(context.Background(), models.MethodWebLoginStart, models.LoginStartParams{Force: true}, time.Second, &out)
	if err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if out.Message != "scan" || out.QRDataURL == "" {
		t.Fatalf("out = %+v", out)
	}
	if client.Hello() == nil || client.Hello().Server.ID != "fake" {
		t.Fatalf("hello = %+v", client.Hello())
	}
}

func TestClientSilentServerTimesOut(t *testing.T) {
	g := &fakeGateway{handle: func(*websocket.Conn, Frame) *Frame { return nil }}
	_, client := startGateway(t, g)

	start := time.Now()
	err := client.Call(context.Background(), models.MethodProvidersStatus, nil, 100*time.Millisecond, &models.StatusSnapshot{})
	if !IsKind(err, KindTimeout) {
		t.Fatalf("err = %v, want timeout", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("timeout took %v", time.Since(start))
	}
}

func TestClientClosedServerIsTransport(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	srv.Close()

	client := NewClient(Options{URL: url})
	err := client.Call(context.Background(), models.MethodConfigGet, nil, time.Second, &models.ConfigDocument{})
	if !IsKind(err, KindTransport) {
		t.Fatalf("err = %v, want transport", err)
	}
}

func TestClientDroppedConnectionIsTransport(t *testing.T) {
	g := &fakeGateway{handle: func(conn *websocket.Conn, _ Frame) *Frame {
		conn.Close()
		return nil
	}}
	_, client := startGateway(t, g)

	err := client.Call(context.Background(), models.MethodWebLogout, nil, 5*time.Second, &models.LogoutResult{})
	if !IsKind(err, KindTransport) {
		t.Fatalf("err = %v, want transport", err)
	}
}

func TestClientRedialsAfterDrop(t *testing.T) {
	var calls atomic.Int32
	g := &fakeGateway{}
	g.handle = func(conn *websocket.Conn, f Frame) *Frame {
		if calls.Add(1) == 1 {
			conn.Close()
			return nil
		}
		resp := okFrame(f.ID, map[string]any{"cleared": true})
		return &resp
	}
	_, client := startGateway(t, g)

	_ = client.Call(context.Background(), models.MethodWebLogout, nil, 5*time.Second, nil)
	var out models.LogoutResult
	if err := client.Call(context.Background(), models.MethodWebLogout, nil, 5*time.Second, &out); err != nil {
		t.Fatalf("second Call() error = %v", err)
	}
	if !out.Cleared {
		t.Fatalf("out = %+v", out)
	}
	if got := g.connects.Load(); got != 2 {
		t.Fatalf("connects = %d, want 2", got)
	}
}

func TestClientWrongPayloadIsDecode(t *testing.T) {
	tests := []struct {
		name    string
		payload any
	}{
		{name: "missing key", payload: map[string]any{"message": "x"}},
		{name: "wrong type", payload: map[string]any{"connected": "yes", "message": "x"}},
		{name: "null", payload: nil},
		{name: "array", payload: []int{1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := &fakeGateway{handle: func(_ *websocket.Conn, f Frame) *Frame {
				resp := okFrame(f.ID, tt.payload)
				return &resp
			}}
			_, client := startGateway(t, g)

			err := client.Call(context.Background(), models.MethodWebLoginWait, models.LoginWaitParams{TimeoutMs: 10}, time.Second, &models.LoginWaitResult{})
			if !IsKind(err, KindDecode) {
				t.Fatalf("err = %v, want decode", err)
			}
		})
	}
}

func TestClientErrorFrameIsRemote(t *testing.T) {
	g := &fakeGateway{handle: func(_ *websocket.Conn, f Frame) *Frame {
		resp := errFrame(f.ID, "unavailable", "WhatsApp linker is not running")
		return &resp
	}}
	_, client := startGateway(t, g)

	err := client.Call(context.Background(), models.MethodWebLoginStart, models.LoginStartParams{}, time.Second, &models.LoginStartResult{})
	if !IsKind(err, KindRemote) {
		t.Fatalf("err = %v, want remote", err)
	}
	var rpcErr *Error
	if !errors.As(err, &rpcErr) {
		t.Fatalf("err %T is not *Error", err)
	}
	if rpcErr.Code != "unavailable" || err.Error() != "WhatsApp linker is not running" {
		t.Fatalf("err = %#v", rpcErr)
	}
}

func TestClientSendsBearerPassword(t *testing.T) {
	g := &fakeGateway{password: "s3cret", handle: func(_ *websocket.Conn, f Frame) *Frame {
		resp := okFrame(f.ID, map[string]any{"ok": true})
		return &resp
	}}
	srv, client := startGateway(t, g)
	if err := client.Call(context.Background(), models.MethodConfigSet, models.ConfigSetParams{Raw: "{}"}, time.Second, nil); err != nil {
		t.Fatalf("Call() error = %v", err)
	}

	wrong := NewClient(Options{URL: "ws" + strings.TrimPrefix(srv.URL, "http"), Password: "nope"})
	defer wrong.Close()
	if err := wrong.Call(context.Background(), models.MethodConfigGet, nil, time.Second, nil); !IsKind(err, KindTransport) {
		t.Fatalf("wrong password err = %v, want transport", err)
	}
}

func TestClientConcurrentCallsAreMultiplexed(t *testing.T) {
	var delayed sync.WaitGroup
	delayed.Add(1)
	g := &fakeGateway{}
	g.handle = func(conn *websocket.Conn, f Frame) *Frame {
		if f.Method == string(models.MethodWebLoginWait) {
			// Answer the slow call only after the fast one was answered.
			go func() {
				delayed.Wait()
				g.write(conn, okFrame(f.ID, map[string]any{"connected": true, "message": "Linked! WhatsApp is ready."}))
			}()
			return nil
		}
		resp := okFrame(f.ID, map[string]any{"cleared": false})
		return &resp
	}
	_, client := startGateway(t, g)
	// Establish the connection before racing calls.
	if err := client.Call(context.Background(), models.MethodWebLogout, nil, time.Second, nil); err != nil {
		t.Fatalf("warmup Call() error = %v", err)
	}

	waitDone := make(chan error, 1)
	go func() {
		var out models.LoginWaitResult
		waitDone <- client.Call(context.Background(), models.MethodWebLoginWait, models.LoginWaitParams{TimeoutMs: 1000}, 5*time.Second, &out)
	}()

	var out models.LogoutResult
	if err := client.Call(context.Background(), models.MethodWebLogout, nil, 5*time.Second, &out); err != nil {
		t.Fatalf("fast Call() error = %v", err)
	}
	delayed.Done()
	if err := <-waitDone; err != nil {
		t.Fatalf("slow Call() error = %v", err)
	}
}

func TestDecodePayloadKeepsLargeNumbers(t *testing.T) {
	var doc models.ConfigDocument
	err := DecodePayload("config.get", json.RawMessage(`{"config":{"telegram":{"allowFrom":[9007199254740993]}}}`), &doc)
	if err != nil {
		t.Fatalf("DecodePayload() error = %v", err)
	}
	list := doc.Section("telegram")["allowFrom"].([]any)
	if n, ok := list[0].(json.Number); !ok || n.String() != "9007199254740993" {
		t.Fatalf("allowFrom[0] = %#v", list[0])
	}
}

// stalledListener accepts TCP connections and never answers the upgrade.
func stalledListener(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	var mu sync.Mutex
	var conns []net.Conn
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, conn := range conns {
			conn.Close()
		}
	})
	return "ws://" + ln.Addr().String() + "/linkgate/ws"
}

func TestClientTimeoutIsIndependentOfPendingDial(t *testing.T) {
	client := NewClient(Options{URL: stalledListener(t), HandshakeTimeout: 5 * time.Second})
	t.Cleanup(func() { client.Close() })

	first := make(chan error, 1)
	go func() {
		first <- client.Call(context.Background(), models.MethodConfigGet, nil, time.Second, &models.ConfigDocument{})
	}()
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	err := client.Call(context.Background(), models.MethodProvidersStatus, nil, 100*time.Millisecond, &models.StatusSnapshot{})
	elapsed := time.Since(start)
	if !IsKind(err, KindTimeout) {
		t.Fatalf("second call err = %v, want timeout", err)
	}
	if elapsed > 500*time.Millisecond {
		t.Fatalf("second call took %v, want about 100ms", elapsed)
	}

	select {
	case err := <-first:
		if !IsKind(err, KindTimeout) {
			t.Fatalf("first call err = %v, want timeout", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("first call did not honour its own timeout")
	}
}

func TestClientCancelledWaitDuringDialIsTransport(t *testing.T) {
	client := NewClient(Options{URL: stalledListener(t), HandshakeTimeout: 5 * time.Second})
	t.Cleanup(func() { client.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	start := time.Now()
	err := client.Call(ctx, models.MethodWebLogout, nil, 0, &models.LogoutResult{})
	if !IsKind(err, KindTransport) {
		t.Fatalf("err = %v, want transport", err)
	}
	if time.Since(start) > time.Second {
		t.Fatalf("cancel took %v", time.Since(start))
	}
}

func TestTimeoutErrorMessage(t *testing.T) {
	tests := []struct {
		name  string
		after time.Duration
		want  string
	}{
		{"call timeout", 6 * time.Second, "providers.status timed out after 6s"},
		{"parent deadline", 0, "providers.status timed out"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := TimeoutError("providers.status", tt.after, context.DeadlineExceeded)
			if err.Error() != tt.want {
				t.Fatalf("Error() = %q, want %q", err.Error(), tt.want)
			}
		})
	}
}
