package mongrel2

import (
	"errors"
	"net/http"
	"testing"
)

func TestConnectionReceive(t *testing.T) {
	conn, transports := newTestConn(t)
	defer conn.Close()

	tr := (*transports)[0]
	tr.in <- encodeRequestFrame(t, "abc", 42, "/", map[string]string{
		"PATH":   "/",
		"METHOD": "GET",
	}, nil)

	req, err := conn.Receive()
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if req.SenderID != "abc" || req.ConnID != 42 || req.Kind != KindHTTP {
		t.Fatalf("unexpected request: %+v", req)
	}
}

func TestConnectionReply(t *testing.T) {
	conn, transports := newTestConn(t)
	defer conn.Close()

	resp := NewHTTPResponse("abc", 42)
	resp.SetStatus(http.StatusNoContent)

	if err := conn.Reply(resp); err != nil {
		t.Fatalf("Reply: %v", err)
	}

	frame := waitSent(t, (*transports)[0])
	wantPrefix := "abc 2:42, HTTP/1.1 204 No Content\r\n"
	if len(frame) < len(wantPrefix) || string(frame[:len(wantPrefix)]) != wantPrefix {
		t.Fatalf("unexpected reply frame: %q", frame)
	}
}

func TestConnectionClosedSemantics(t *testing.T) {
	conn, _ := newTestConn(t)

	if err := conn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("Close must be idempotent, got %v", err)
	}

	if _, err := conn.Receive(); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("Receive after close: expected ErrConnectionClosed, got %v", err)
	}

	resp := NewHTTPResponse("abc", 1).SetStatus(http.StatusOK)
	if err := conn.Reply(resp); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("Reply after close: expected ErrConnectionClosed, got %v", err)
	}
}

func TestConnectionDup(t *testing.T) {
	conn, transports := newTestConn(t)
	defer conn.Close()

	dup, err := conn.Dup()
	if err != nil {
		t.Fatalf("Dup: %v", err)
	}
	defer dup.Close()

	if dup == conn {
		t.Fatalf("Dup must return a new connection")
	}
	if dup.AppID != conn.AppID || dup.SendSpec != conn.SendSpec || dup.RecvSpec != conn.RecvSpec {
		t.Fatalf("Dup must keep identity and endpoints")
	}
	if len(*transports) != 2 {
		t.Fatalf("Dup must open fresh sockets, have %d transports", len(*transports))
	}

	// the original stays usable and closable on its own
	if err := conn.Close(); err != nil {
		t.Fatalf("closing original: %v", err)
	}
	if dup.Closed() {
		t.Fatalf("closing the original must not close the dup")
	}

	tr := (*transports)[1]
	tr.in <- encodeRequestFrame(t, "abc", 1, "/", map[string]string{"METHOD": "GET"}, nil)
	if _, err := dup.Receive(); err != nil {
		t.Fatalf("dup Receive: %v", err)
	}
}

func TestConnectionReplyClose(t *testing.T) {
	conn, transports := newTestConn(t)
	defer conn.Close()

	if err := conn.ReplyClose("abc", 42, 43); err != nil {
		t.Fatalf("ReplyClose: %v", err)
	}

	frame := waitSent(t, (*transports)[0])
	if string(frame) != "abc 5:42 43, " {
		t.Fatalf("unexpected close frame: %q", frame)
	}
}
