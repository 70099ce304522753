package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/haasonsaas/linkgate/internal/rpc"
	"github.com/haasonsaas/linkgate/pkg/models"
)

const (
	wsTickInterval = 15 * time.Second
	wsPongWait     = 45 * time.Second
	wsPingPeriod   = wsPongWait * 9 / 10
	wsWriteWait    = 10 * time.Second
	wsSendBuffer   = 64
)

type wsControlPlane struct {
	methods      *Methods
	logger       *slog.Logger
	version      string
	tickInterval time.Duration
	upgrader     websocket.Upgrader
}

func newWSControlPlane(methods *Methods, version string, logger *slog.Logger) *wsControlPlane {
	if logger == nil {
		logger = slog.Default()
	}
	return &wsControlPlane{
		methods:      methods,
		logger:       logger.With("component", "ws"),
		version:      version,
		tickInterval: wsTickInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			// The dispatcher has already authenticated the upgrade request.
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
	}
}

type wsSession struct {
	control *wsControlPlane
	conn    *websocket.Conn
	send    chan []byte
	ctx     context.Context
	cancel  context.CancelFunc

	id        string
	connected atomic.Bool
	seq       atomic.Int64
}

func (h *wsControlPlane) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	session := &wsSession{
		control: h,
		conn:    conn,
		send:    make(chan []byte, wsSendBuffer),
		ctx:     ctx,
		cancel:  cancel,
		id:      uuid.NewString(),
	}
	session.run()
}

func (s *wsSession) run() {
	defer s.close()
	go s.writeLoop()
	s.readLoop()
}

// close cancels in-flight handlers. The send channel is never closed so late
// responses are dropped instead of panicking.
func (s *wsSession) close() {
	s.cancel()
	_ = s.conn.Close()
}

func (s *wsSession) readLoop() {
	s.conn.SetReadLimit(rpc.MaxPayloadBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(wsPongWait)) //nolint:errcheck
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(wsPongWait)) //nolint:errcheck
		if messageType != websocket.TextMessage {
			continue
		}

		frame, err := decodeRequestFrame(data)
		if err != nil {
			s.sendError(frameID(data), "invalid_frame", err.Error())
			continue
		}

		if !s.connected.Load() {
			if frame.Method != string(models.MethodConnect) {
				s.sendError(frame.ID, "handshake_required", "first request must be connect")
				continue
			}
			if err := s.handleConnect(frame); err != nil {
				s.sendError(frame.ID, "connect_failed", err.Error())
			}
			continue
		}

		// Calls run concurrently so a long web.login.wait does not block
		// status polls sharing the connection.
		go s.handleRequest(frame)
	}
}

func (s *wsSession) writeLoop() {
	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				s.cancel()
				return
			}
		case <-ping.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				s.cancel()
				return
			}
		}
	}
}

func decodeRequestFrame(raw []byte) (*rpc.Frame, error) {
	var frame rpc.Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, err
	}
	if frame.Type == "" {
		frame.Type = rpc.FrameRequest
	}
	if frame.Type != rpc.FrameRequest {
		return nil, fmt.Errorf("unsupported frame type %q", frame.Type)
	}
	if err := validateWSRequestFrame(raw); err != nil {
		return nil, err
	}
	return &frame, nil
}

// frameID recovers the id of a frame that failed validation so the error
// can still be correlated.
func frameID(raw []byte) string {
	var probe struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(raw, &probe)
	return probe.ID
}

func (s *wsSession) handleRequest(frame *rpc.Frame) {
	if frame.Method == string(models.MethodConnect) {
		s.sendError(frame.ID, "already_connected", "connect may only be sent once")
		return
	}
	result, err := s.control.methods.Dispatch(s.ctx, frame.Method, frame.Params)
	if err != nil {
		merr := toMethodError(err)
		s.sendError(frame.ID, merr.Code, merr.Message)
		return
	}
	if err := s.sendResponse(frame.ID, result); err != nil {
		s.sendError(frame.ID, ErrCodeInternal, err.Error())
	}
}

func (s *wsSession) handleConnect(frame *rpc.Frame) error {
	if err := validateMethodParams(frame.Method, frame.Params); err != nil {
		return err
	}
	var params rpc.ConnectParams
	if err := json.Unmarshal(frame.Params, &params); err != nil {
		return err
	}
	if rpc.ProtocolVersion < params.MinProtocol || rpc.ProtocolVersion > params.MaxProtocol {
		return fmt.Errorf("unsupported protocol version: server speaks %d", rpc.ProtocolVersion)
	}

	if err := s.sendResponse(frame.ID, s.buildHello()); err != nil {
		return err
	}
	s.connected.Store(true)
	s.control.logger.Debug("control client connected",
		"session", s.id,
		"client", params.Client.ID,
		"client_version", params.Client.Version,
		"platform", params.Client.Platform,
	)
	go s.startTicking()
	return nil
}

func (s *wsSession) buildHello() *rpc.Hello {
	hello := &rpc.Hello{Type: "hello-ok", Protocol: rpc.ProtocolVersion}
	hello.Server.ID = s.id
	hello.Server.Version = s.control.version
	hello.Features.Methods = append([]string{string(models.MethodConnect)}, s.control.methods.Names()...)
	hello.Features.Events = []string{"tick"}
	hello.Policy.MaxPayloadBytes = rpc.MaxPayloadBytes
	hello.Policy.TickIntervalMs = s.control.tickInterval.Milliseconds()
	return hello
}

func (s *wsSession) sendResponse(id string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	ok := true
	return s.enqueue(rpc.Frame{Type: rpc.FrameResponse, ID: id, OK: &ok, Payload: data})
}

func (s *wsSession) sendEvent(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	seq := s.seq.Add(1)
	return s.enqueue(rpc.Frame{Type: rpc.FrameEvent, Event: event, Payload: data, Seq: &seq})
}

func (s *wsSession) sendError(id string, code string, message string) {
	ok := false
	_ = s.enqueue(rpc.Frame{ //nolint:errcheck
		Type:  rpc.FrameResponse,
		ID:    id,
		OK:    &ok,
		Error: &rpc.FrameError{Code: code, Message: message},
	})
}

var errPayloadTooLarge = errors.New("payload too large")

func (s *wsSession) enqueue(frame rpc.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if len(data) > rpc.MaxPayloadBytes {
		return errPayloadTooLarge
	}
	select {
	case s.send <- data:
		return nil
	case <-s.ctx.Done():
		return s.ctx.Err()
	}
}

func (s *wsSession) startTicking() {
	ticker := time.NewTicker(s.control.tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			_ = s.sendEvent("tick", map[string]any{"timestamp": time.Now().UnixMilli()}) //nolint:errcheck
		}
	}
}
