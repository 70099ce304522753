package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/haasonsaas/linkgate/internal/observability"
	"github.com/haasonsaas/linkgate/pkg/models"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	writeWait               = 10 * time.Second
)

// Options configures a Client.
type Options struct {
	// URL is the websocket control-plane endpoint, e.g.
	// ws://127.0.0.1:18789/linkgate/ws.
	URL string

	// Password is sent as a bearer token on the upgrade request.
	Password string

	ClientID string
	Version  string

	HandshakeTimeout time.Duration
	Dialer           *websocket.Dialer
	Logger           *slog.Logger
	Tracer           *observability.Tracer
	Metrics          *observability.Metrics
}

// Client multiplexes calls over one websocket connection to the gateway. The
// connection is dialed on the first call and redialed on the next call after
// it drops. Calls never retry.
type Client struct {
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	conn    *clientConn
	dialing *dialAttempt
	closed  bool
}

// NewClient returns a Client. No connection is made until the first Call.
func NewClient(opts Options) *Client {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTimeout
	}
	if opts.ClientID == "" {
		opts.ClientID = "linkgate-cli-" + uuid.NewString()[:8]
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{opts: opts, logger: logger.With("component", "rpc-client")}
}

// Call performs one request. timeout bounds the whole call, including any
// wait for a dial; zero means only ctx bounds it. A call that gives up
// leaves a shared dial running for the others.
func (c *Client) Call(ctx context.Context, method models.Method, params any, timeout time.Duration, out any) (err error) {
	name := string(method)
	start := time.Now()
	ctx, span := c.opts.Tracer.TraceRPC(ctx, name)
	defer func() {
		observability.RecordError(span, err)
		span.End()
		outcome := "ok"
		if err != nil {
			outcome = string(KindOf(err))
			if outcome == "" {
				outcome = "error"
			}
		}
		c.opts.Metrics.RecordRPCCall(name, outcome, time.Since(start).Seconds())
	}()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	conn, err := c.connection(ctx)
	if err != nil {
		return contextError(ctx, name, timeout, err)
	}
	payload, err := conn.roundTrip(ctx, name, params)
	if err != nil {
		return contextError(ctx, name, timeout, err)
	}
	return DecodePayload(name, payload, out)
}

// Close closes the connection. Pending calls fail with KindTransport.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.conn != nil {
		c.conn.fail(errors.New("client closed"))
		c.conn = nil
	}
	return nil
}

// Hello returns the handshake payload of the current connection, if any.
func (c *Client) Hello() *Hello {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	return c.conn.hello
}

// dialAttempt is a dial shared by every call that needs a connection while
// it runs. conn and err are set before done is closed.
type dialAttempt struct {
	done chan struct{}
	conn *clientConn
	err  error
}

// connection returns the open connection or joins the dial in progress,
// starting one if needed. The caller waits only as long as its own ctx.
func (c *Client) connection(ctx context.Context) (*clientConn, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, TransportError("", errors.New("client closed"))
	}
	if c.conn != nil && !c.conn.isDone() {
		conn := c.conn
		c.mu.Unlock()
		return conn, nil
	}
	c.conn = nil
	attempt := c.dialing
	if attempt == nil {
		attempt = &dialAttempt{done: make(chan struct{})}
		c.dialing = attempt
		go c.dial(attempt)
	}
	c.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-attempt.done:
		return attempt.conn, attempt.err
	}
}

// dial runs one attempt bounded by HandshakeTimeout, independent of the
// calls waiting on it.
func (c *Client) dial(attempt *dialAttempt) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.HandshakeTimeout)
	defer cancel()
	conn, err := c.open(ctx)

	c.mu.Lock()
	if c.dialing == attempt {
		c.dialing = nil
	}
	if err == nil && c.closed {
		conn.fail(errors.New("client closed"))
		conn, err = nil, TransportError("", errors.New("client closed"))
	}
	if err == nil {
		c.conn = conn
	}
	attempt.conn, attempt.err = conn, err
	c.mu.Unlock()
	close(attempt.done)
}

func (c *Client) open(ctx context.Context) (*clientConn, error) {
	header := http.Header{}
	if c.opts.Password != "" {
		header.Set("Authorization", "Bearer "+c.opts.Password)
	}
	ws, resp, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, TransportError("", fmt.Errorf("gateway rejected credentials (401)"))
		}
		return nil, TransportError("", err)
	}
	ws.SetReadLimit(MaxPayloadBytes)

	conn := &clientConn{
		ws:      ws,
		pending: make(map[string]chan *Frame),
		done:    make(chan struct{}),
		logger:  c.logger,
	}
	go conn.readLoop()

	payload, err := conn.roundTrip(ctx, string(models.MethodConnect), ConnectParams{
		MinProtocol: ProtocolVersion,
		MaxProtocol: ProtocolVersion,
		Client: ClientInfo{
			ID:       c.opts.ClientID,
			Version:  c.opts.Version,
			Platform: runtime.GOOS,
		},
	})
	if err == nil {
		var hello Hello
		if err = DecodePayload(string(models.MethodConnect), payload, &hello); err == nil {
			conn.hello = &hello
		}
	}
	if err != nil {
		conn.fail(err)
		return nil, TransportError("", fmt.Errorf("handshake: %w", err))
	}
	c.logger.Debug("connected to gateway", "url", c.opts.URL, "server", conn.hello.Server.ID)
	return conn, nil
}

// contextError maps a failure to Timeout when the deadline fired and to
// Transport when ctx was cancelled. Remote and decode failures keep their
// kind.
func contextError(ctx context.Context, method string, timeout time.Duration, err error) error {
	var rpcErr *Error
	if errors.As(err, &rpcErr) && rpcErr.Kind != KindTransport {
		return rpcErr
	}
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return TimeoutError(method, timeout, err)
	case errors.Is(ctx.Err(), context.Canceled):
		return TransportError(method, ctx.Err())
	}
	if rpcErr != nil {
		if rpcErr.Method == "" {
			rpcErr.Method = method
		}
		return rpcErr
	}
	return TransportError(method, err)
}

type clientConn struct {
	ws     *websocket.Conn
	logger *slog.Logger
	hello  *Hello

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan *Frame

	doneOnce sync.Once
	done     chan struct{}
	err      error
}

func (cc *clientConn) roundTrip(ctx context.Context, method string, params any) (json.RawMessage, error) {
	encoded, err := EncodeParams(params)
	if err != nil {
		return nil, fmt.Errorf("encode params: %w", err)
	}
	id := uuid.NewString()
	data, err := json.Marshal(Frame{Type: FrameRequest, ID: id, Method: method, Params: encoded})
	if err != nil {
		return nil, err
	}
	if len(data) > MaxPayloadBytes {
		return nil, fmt.Errorf("request too large (%d bytes)", len(data))
	}

	ch := make(chan *Frame, 1)
	cc.pendingMu.Lock()
	cc.pending[id] = ch
	cc.pendingMu.Unlock()
	defer func() {
		cc.pendingMu.Lock()
		delete(cc.pending, id)
		cc.pendingMu.Unlock()
	}()

	cc.writeMu.Lock()
	_ = cc.ws.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
	err = cc.ws.WriteMessage(websocket.TextMessage, data)
	cc.writeMu.Unlock()
	if err != nil {
		cc.fail(err)
		return nil, TransportError(method, err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-cc.done:
		return nil, TransportError(method, cc.err)
	case frame := <-ch:
		if frame.OK == nil || !*frame.OK {
			code, message := "unknown", "request failed"
			if frame.Error != nil {
				code, message = frame.Error.Code, frame.Error.Message
			}
			return nil, RemoteError(method, code, message)
		}
		return frame.Payload, nil
	}
}

func (cc *clientConn) readLoop() {
	for {
		messageType, data, err := cc.ws.ReadMessage()
		if err != nil {
			cc.fail(err)
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			cc.logger.Debug("dropping malformed frame", "error", err)
			continue
		}
		switch strings.ToLower(frame.Type) {
		case FrameResponse:
			cc.pendingMu.Lock()
			ch := cc.pending[frame.ID]
			cc.pendingMu.Unlock()
			if ch == nil {
				continue
			}
			select {
			case ch <- &frame:
			default:
			}
		case FrameEvent:
			// tick and other events carry nothing a caller waits on.
		}
	}
}

func (cc *clientConn) fail(err error) {
	cc.doneOnce.Do(func() {
		if err == nil {
			err = errors.New("connection closed")
		}
		cc.err = err
		close(cc.done)
		_ = cc.ws.Close()
	})
}

func (cc *clientConn) isDone() bool {
	select {
	case <-cc.done:
		return true
	default:
		return false
	}
}
