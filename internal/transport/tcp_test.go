package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/driftwire/chatctl/internal/testutil/testlog"
	"github.com/driftwire/chatctl/internal/testutil/tlstest"
	"github.com/driftwire/chatctl/internal/wire"
	"github.com/driftwire/chatctl/internal/wire/frame"
)

var testCreds = wire.Credentials{
	AccountID: "acct-1",
	DeviceID:  "device-1",
	AuthToken: "token-1",
}

// relayScript drives one accepted relay connection after the auth
// exchange has completed.
type relayScript func(t *testing.T, conn net.Conn, reader *bufio.Reader)

func startRelay(t *testing.T, acceptAuth bool, script relayScript) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go serveRelay(t, ln, acceptAuth, script)
	return ln.Addr().String()
}

func serveRelay(t *testing.T, ln net.Listener, acceptAuth bool, script relayScript) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go func(conn net.Conn) {
			defer conn.Close()
			reader := bufio.NewReader(conn)
			creds, err := wire.ReadAuth(reader)
			if err != nil {
				return
			}
			ack := wire.AuthAck{
				Status:      wire.StatusAccepted,
				AccountID:   creds.AccountID,
				TimestampMS: uint64(time.Now().UnixMilli()),
			}
			if !acceptAuth {
				ack.Status = wire.StatusRejected
				ack.Code = 401
				ack.Message = "credentials revoked"
			}
			if err := wire.WriteAuthAck(conn, ack); err != nil {
				return
			}
			if !acceptAuth || script == nil {
				return
			}
			script(t, conn, reader)
		}(conn)
	}
}

// ackEverything acks every envelope as accepted until the peer hangs up.
func ackEverything(t *testing.T, conn net.Conn, reader *bufio.Reader) {
	for {
		fr, err := wire.ReadFrame(reader, frame.DefaultLimits())
		if err != nil {
			return
		}
		env, err := wire.DecodeEnvelopeFrame(fr)
		if err != nil {
			continue
		}
		payload, err := wire.EncodeAckFrame(fr.Header.MessageID, wire.Ack{
			MessageID:   env.MessageID,
			Status:      wire.StatusAccepted,
			TimestampMS: uint64(time.Now().UnixMilli()),
		})
		if err != nil {
			t.Errorf("encode ack: %v", err)
			return
		}
		if _, err := conn.Write(payload); err != nil {
			return
		}
	}
}

func dialTest(t *testing.T, addr string) Conn {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Address = addr
	cfg.AckTimeout = 2 * time.Second
	tr, err := NewTCP(cfg)
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := tr.Dial(ctx, testCreds)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestTCPSendAndAck(t *testing.T) {
	testlog.Start(t)
	addr := startRelay(t, true, ackEverything)
	conn := dialTest(t, addr)

	env := wire.Envelope{
		Kind:           wire.MsgText,
		MessageID:      "msg-1",
		ConversationID: "user-7@relay",
		Body:           "hello",
		TimestampMS:    uint64(time.Now().UnixMilli()),
	}
	ack, err := conn.Send(context.Background(), env)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if ack.MessageID != "msg-1" || ack.Status != wire.StatusAccepted {
		t.Fatalf("unexpected ack: %+v", ack)
	}
}

func TestTCPAuthRejected(t *testing.T) {
	testlog.Start(t)
	addr := startRelay(t, false, nil)

	cfg := DefaultConfig()
	cfg.Address = addr
	tr, err := NewTCP(cfg)
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}
	_, err = tr.Dial(context.Background(), testCreds)
	if !errors.Is(err, ErrAuthRejected) {
		t.Fatalf("expected ErrAuthRejected, got %v", err)
	}
}

func TestTCPSendRejectedAck(t *testing.T) {
	testlog.Start(t)
	addr := startRelay(t, true, func(t *testing.T, conn net.Conn, reader *bufio.Reader) {
		fr, err := wire.ReadFrame(reader, frame.DefaultLimits())
		if err != nil {
			return
		}
		env, err := wire.DecodeEnvelopeFrame(fr)
		if err != nil {
			return
		}
		payload, err := wire.EncodeAckFrame(fr.Header.MessageID, wire.Ack{
			MessageID:   env.MessageID,
			Status:      wire.StatusRejected,
			Code:        429,
			TimestampMS: uint64(time.Now().UnixMilli()),
		})
		if err != nil {
			t.Errorf("encode ack: %v", err)
			return
		}
		_, _ = conn.Write(payload)
	})
	conn := dialTest(t, addr)

	env := wire.Envelope{
		Kind:           wire.MsgText,
		MessageID:      "msg-2",
		ConversationID: "user-7@relay",
		Body:           "hello",
		TimestampMS:    uint64(time.Now().UnixMilli()),
	}
	ack, err := conn.Send(context.Background(), env)
	if !errors.Is(err, ErrSendRejected) {
		t.Fatalf("expected ErrSendRejected, got %v", err)
	}
	if ack.Code != 429 {
		t.Fatalf("expected rejection code in ack, got %+v", ack)
	}
}

func TestTCPInboundEventDelivered(t *testing.T) {
	testlog.Start(t)
	ev := wire.Event{
		MessageID:      "in-1",
		ConversationID: "team-42@broadcast",
		SenderID:       "user-9@relay",
		Body:           "ping",
		Flags:          wire.FlagGroup,
		TimestampMS:    uint64(time.Now().UnixMilli()),
	}
	addr := startRelay(t, true, func(t *testing.T, conn net.Conn, reader *bufio.Reader) {
		payload, err := wire.EncodeEventFrame(1, ev)
		if err != nil {
			t.Errorf("encode event: %v", err)
			return
		}
		if _, err := conn.Write(payload); err != nil {
			return
		}
		// hold the connection open until the client hangs up
		_, _ = wire.ReadFrame(reader, frame.DefaultLimits())
	})
	conn := dialTest(t, addr)

	got := make(chan wire.Event, 1)
	conn.SetHandlers(Handlers{OnEvent: func(ev wire.Event) { got <- ev }})

	select {
	case received := <-got:
		if received.MessageID != ev.MessageID || received.SenderID != ev.SenderID {
			t.Fatalf("unexpected event: %+v", received)
		}
		if !received.Group() {
			t.Fatalf("expected group flag on %+v", received)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for inbound event")
	}
}

func TestTCPByeLoggedOutIsRevocation(t *testing.T) {
	testlog.Start(t)
	addr := startRelay(t, true, func(t *testing.T, conn net.Conn, reader *bufio.Reader) {
		payload, err := wire.EncodeByeFrame(1, wire.ByeReasonLoggedOut)
		if err != nil {
			t.Errorf("encode bye: %v", err)
			return
		}
		_, _ = conn.Write(payload)
	})
	conn := dialTest(t, addr)

	closed := make(chan error, 1)
	conn.SetHandlers(Handlers{OnClose: func(reason error) { closed <- reason }})

	select {
	case reason := <-closed:
		if !errors.Is(reason, wire.ErrSessionRevoked) {
			t.Fatalf("expected revocation, got %v", reason)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for close notification")
	}
}

func TestTCPRemoteHangupIsTransient(t *testing.T) {
	testlog.Start(t)
	addr := startRelay(t, true, func(t *testing.T, conn net.Conn, reader *bufio.Reader) {
		_ = conn.Close()
	})
	conn := dialTest(t, addr)

	closed := make(chan error, 1)
	conn.SetHandlers(Handlers{OnClose: func(reason error) { closed <- reason }})

	select {
	case reason := <-closed:
		if errors.Is(reason, wire.ErrSessionRevoked) {
			t.Fatalf("hangup must not look like revocation: %v", reason)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for close notification")
	}
}

func TestTCPLocalCloseIsSilent(t *testing.T) {
	testlog.Start(t)
	addr := startRelay(t, true, ackEverything)
	conn := dialTest(t, addr)

	closed := make(chan error, 1)
	conn.SetHandlers(Handlers{OnClose: func(reason error) { closed <- reason }})

	if err := conn.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case reason := <-closed:
		t.Fatalf("local close must not notify, got %v", reason)
	case <-time.After(200 * time.Millisecond):
	}

	if _, err := conn.Send(context.Background(), wire.Envelope{
		Kind:           wire.MsgText,
		MessageID:      "msg-3",
		ConversationID: "user-7@relay",
		Body:           "late",
	}); !errors.Is(err, ErrConnClosed) {
		t.Fatalf("expected ErrConnClosed after close, got %v", err)
	}
}

func TestTCPOverTLS(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	ca := tlstest.NewAuthority(t, dir, "chatctl test ca")
	certFile, keyFile := ca.IssueServerCert(t, dir, "relay", []string{"localhost"}, []net.IP{net.ParseIP("127.0.0.1")})

	serverCert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		t.Fatalf("load server cert: %v", err)
	}
	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{serverCert},
	})
	if err != nil {
		t.Fatalf("tls listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	go serveRelay(t, ln, true, ackEverything)

	cfg := DefaultConfig()
	cfg.Address = ln.Addr().String()
	cfg.AckTimeout = 2 * time.Second
	cfg.TLS = TLSConfig{Enabled: true, CAFile: ca.CAFile()}
	tr, err := NewTCP(cfg)
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}
	conn, err := tr.Dial(context.Background(), testCreds)
	if err != nil {
		t.Fatalf("dial over tls: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	ack, err := conn.Send(context.Background(), wire.Envelope{
		Kind:           wire.MsgText,
		MessageID:      "msg-tls",
		ConversationID: "user-7@relay",
		Body:           "secure",
	})
	if err != nil {
		t.Fatalf("send over tls: %v", err)
	}
	if ack.Status != wire.StatusAccepted {
		t.Fatalf("unexpected ack: %+v", ack)
	}
}
