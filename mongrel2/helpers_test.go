package mongrel2

import (
	"bytes"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/sergekov/go-mongrel2/tnetstring"
)

// fakeTransport is an in-memory Transport: tests push request frames into
// in and read reply frames from sent.
type fakeTransport struct {
	in   chan []byte
	sent chan []byte

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:   make(chan []byte, 64),
		sent: make(chan []byte, 64),
		done: make(chan struct{}),
	}
}

func (t *fakeTransport) Recv() ([]byte, error) {
	select {
	case frame := <-t.in:
		return frame, nil
	case <-t.done:
		return nil, errors.New("fake transport closed")
	}
}

func (t *fakeTransport) Send(frame []byte) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return errors.New("fake transport closed")
	}
	t.sent <- frame
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.done)
	}
	return nil
}

// newTestConn builds a Connection over fake transports. Every dial (the
// initial open and each Dup) gets a fresh transport; the slice records
// them in order.
func newTestConn(t *testing.T) (*Connection, *[]*fakeTransport) {
	t.Helper()

	var transports []*fakeTransport
	var mu sync.Mutex

	dial := func() (Transport, error) {
		tr := newFakeTransport()
		mu.Lock()
		transports = append(transports, tr)
		mu.Unlock()
		return tr, nil
	}

	conn, err := openConn("test-app", "tcp://127.0.0.1:9997", "tcp://127.0.0.1:9996", dial, NewRegistry())
	if err != nil {
		t.Fatalf("openConn: %v", err)
	}
	return conn, &transports
}

// encodeRequestFrame builds one inbound wire frame with tnetstring headers.
func encodeRequestFrame(t *testing.T, sender string, connID int, path string, headers map[string]string, body []byte) []byte {
	t.Helper()

	hdr, err := tnetstring.Encode(headers)
	if err != nil {
		t.Fatalf("encode headers: %v", err)
	}
	bod, err := tnetstring.Encode(body)
	if err != nil {
		t.Fatalf("encode body: %v", err)
	}

	var buf bytes.Buffer
	buf.WriteString(sender)
	buf.WriteByte(' ')
	buf.WriteString(strconv.Itoa(connID))
	buf.WriteByte(' ')
	buf.WriteString(path)
	buf.WriteByte(' ')
	buf.Write(hdr)
	buf.Write(bod)
	return buf.Bytes()
}

// waitSent reads the next reply frame off the transport or fails.
func waitSent(t *testing.T, tr *fakeTransport) []byte {
	t.Helper()
	select {
	case frame := <-tr.sent:
		return frame
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for a reply frame")
		return nil
	}
}

// expectNoSent asserts no reply frame shows up within the grace window.
func expectNoSent(t *testing.T, tr *fakeTransport) {
	t.Helper()
	select {
	case frame := <-tr.sent:
		t.Fatalf("unexpected reply frame: %q", frame)
	case <-time.After(100 * time.Millisecond):
	}
}
