package whatsapp

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	qrcode "github.com/skip2/go-qrcode"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/haasonsaas/linkgate/internal/channels"
)

func newTestLinker(t *testing.T) *Linker {
	t.Helper()
	l, err := New(Config{}, nil, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	fixed := time.UnixMilli(1_700_000_000_000)
	l.now = func() time.Time { return fixed }
	return l
}

func TestQRDataURL(t *testing.T) {
	url, err := QRDataURL("2@abc,def,ghi")
	if err != nil {
		t.Fatalf("QRDataURL() error = %v", err)
	}
	const prefix = "data:image/png;base64,"
	if !strings.HasPrefix(url, prefix) {
		t.Fatalf("url = %q", url[:32])
	}
	png, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(url, prefix))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.HasPrefix(png, []byte("\x89PNG")) {
		t.Fatal("payload is not a PNG")
	}
}

func TestQRTerminalFromDataURL(t *testing.T) {
	const code = "2@abc,def,ghi"
	url, err := QRDataURL(code)
	if err != nil {
		t.Fatalf("QRDataURL() error = %v", err)
	}
	out, err := QRTerminalFromDataURL(url)
	if err != nil {
		t.Fatalf("QRTerminalFromDataURL() error = %v", err)
	}

	q, err := qrcode.New(code, qrcode.Medium)
	if err != nil {
		t.Fatalf("qrcode.New() error = %v", err)
	}
	// Bitmap includes the four module quiet zone.
	bitmap := q.Bitmap()
	symbol := bitmap[4 : len(bitmap)-4]
	for i := range symbol {
		symbol[i] = symbol[i][4 : len(symbol[i])-4]
	}
	if want := renderHalfBlocks(symbol); out != want {
		t.Fatalf("terminal QR does not match the encoded modules:\n%s\nwant\n%s", out, want)
	}
}

func TestQRTerminalFromDataURLErrors(t *testing.T) {
	tests := []struct {
		name string
		url  string
	}{
		{name: "wrong prefix", url: "data:image/jpeg;base64,AAAA"},
		{name: "bad base64", url: "data:image/png;base64,***"},
		{name: "not a png", url: "data:image/png;base64," + base64.StdEncoding.EncodeToString([]byte("hello"))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := QRTerminalFromDataURL(tt.url); err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}

func TestStartLoginDisabled(t *testing.T) {
	l := newTestLinker(t)
	_, err := l.StartLogin(context.Background(), false, time.Second)
	if !errors.Is(err, &channels.Error{Code: channels.ErrCodeUnavailable}) {
		t.Fatalf("err = %v, want unavailable", err)
	}
}

func TestWaitLoginWithoutLogin(t *testing.T) {
	l := newTestLinker(t)
	res, err := l.WaitLogin(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("WaitLogin() error = %v", err)
	}
	if res.Connected || res.Message != MessageNoLogin {
		t.Fatalf("res = %+v", res)
	}
}

func TestWaitLoginSuccessClearsSession(t *testing.T) {
	l := newTestLinker(t)
	session := newLoginSession(nil)
	session.setCode("2@code")
	l.login = session
	if l.CurrentQR() != "2@code" {
		t.Fatalf("CurrentQR() = %q", l.CurrentQR())
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		session.finish(true, nil)
	}()
	res, err := l.WaitLogin(context.Background(), 5*time.Second)
	if err != nil {
		t.Fatalf("WaitLogin() error = %v", err)
	}
	if !res.Connected || res.Message != MessageLinked {
		t.Fatalf("res = %+v", res)
	}
	if l.login != nil || l.CurrentQR() != "" {
		t.Fatal("login session should be cleared after success")
	}
}

func TestWaitLoginTimeoutKeepsSession(t *testing.T) {
	l := newTestLinker(t)
	session := newLoginSession(nil)
	l.login = session

	res, err := l.WaitLogin(context.Background(), 20*time.Millisecond)
	if err != nil {
		t.Fatalf("WaitLogin() error = %v", err)
	}
	if res.Connected || res.Message != MessageStillWaiting {
		t.Fatalf("res = %+v", res)
	}
	if l.login != session {
		t.Fatal("session should survive a wait timeout")
	}
}

func TestWaitLoginFailure(t *testing.T) {
	l := newTestLinker(t)
	cancelled := false
	session := newLoginSession(func() { cancelled = true })
	session.finish(false, errors.New("QR code expired before it was scanned"))
	l.login = session

	res, err := l.WaitLogin(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("WaitLogin() error = %v", err)
	}
	if res.Connected || !strings.Contains(res.Message, "expired") {
		t.Fatalf("res = %+v", res)
	}
	if !cancelled {
		t.Fatal("failed login should be cancelled")
	}
}

func TestHandleEventTracksConnection(t *testing.T) {
	l := newTestLinker(t)
	l.running = true

	l.handleEvent(nil, &events.Connected{})
	st := l.Status(context.Background(), false)
	if !st.Connected || st.LastConnectedAt == nil || st.ReconnectAttempts != 0 {
		t.Fatalf("after connect: %+v", st)
	}

	l.handleEvent(nil, &events.Disconnected{})
	l.handleEvent(nil, &events.Disconnected{})
	st = l.Status(context.Background(), false)
	if st.Connected || st.ReconnectAttempts != 2 {
		t.Fatalf("after disconnect: %+v", st)
	}
	if st.LastDisconnect == nil || st.LastDisconnect.LoggedOut != nil {
		t.Fatalf("lastDisconnect = %+v", st.LastDisconnect)
	}

	msgAt := time.UnixMilli(1_700_000_100_000)
	l.handleEvent(nil, &events.Message{Info: types.MessageInfo{Timestamp: msgAt}})
	if st = l.Status(context.Background(), false); st.LastMessageAt == nil || *st.LastMessageAt != msgAt.UnixMilli() {
		t.Fatalf("lastMessageAt = %v", st.LastMessageAt)
	}

	l.handleEvent(nil, &events.LoggedOut{Reason: events.ConnectFailureLoggedOut})
	st = l.Status(context.Background(), false)
	if st.LastDisconnect == nil || st.LastDisconnect.LoggedOut == nil || !*st.LastDisconnect.LoggedOut {
		t.Fatalf("lastDisconnect = %+v", st.LastDisconnect)
	}
	if st.LastEventAt == nil {
		t.Fatal("lastEventAt should be set")
	}
}

func TestHandleEventIgnoresReplacedClient(t *testing.T) {
	l := newTestLinker(t)
	l.client = &whatsmeow.Client{}

	l.handleEvent(nil, &events.Connected{})
	if l.state.connected || !l.state.lastEventAt.IsZero() {
		t.Fatal("events from a replaced client must be ignored")
	}
}

func TestStatusLinkedDevice(t *testing.T) {
	l := newTestLinker(t)
	jid := types.NewJID("15551234567", types.DefaultUserServer)
	l.device = &store.Device{ID: &jid}
	l.state.linkedAt = l.now().Add(-time.Minute)
	l.state.connected = true

	st := l.Status(context.Background(), false)
	if !st.Linked || st.Self == nil || st.Self.E164 != "+15551234567" {
		t.Fatalf("status = %+v", st)
	}
	if st.Self.JID != "15551234567@s.whatsapp.net" {
		t.Fatalf("jid = %q", st.Self.JID)
	}
	if !st.Running {
		t.Fatal("connected must imply running")
	}
	if st.AuthAgeMs == nil || *st.AuthAgeMs != time.Minute.Milliseconds() {
		t.Fatalf("authAgeMs = %v", st.AuthAgeMs)
	}
}

func TestLogoutWithoutSession(t *testing.T) {
	l := newTestLinker(t)
	cleared, err := l.Logout(context.Background())
	if err != nil || cleared {
		t.Fatalf("Logout() = %v, %v; want false, nil", cleared, err)
	}
}
