package mongrel2

import (
	"sync"

	"github.com/google/uuid"
)

// Connection owns the transport endpoints of one handler. Receive blocks
// for the next request frame and decodes it; Reply serialises a response
// into the asymmetric reply envelope and sends it. Dup opens an
// independent connection on the same endpoints for restart.
type Connection struct {
	AppID    string
	SendSpec string
	RecvSpec string

	registry *Registry
	dial     TransportDialer

	mu     sync.Mutex
	tr     Transport
	closed bool
}

// Open connects to a Mongrel2 server over ZeroMQ. An empty appID gets a
// generated UUID identity; persistent handlers should pass their own so
// queued replies survive restarts.
func Open(appID, sendSpec, recvSpec string) (*Connection, error) {
	if appID == "" {
		appID = uuid.NewString()
	}
	dial := func() (Transport, error) {
		return dialZMQ(appID, sendSpec, recvSpec)
	}
	return openConn(appID, sendSpec, recvSpec, dial, defaultRegistry)
}

func openConn(appID, sendSpec, recvSpec string, dial TransportDialer, reg *Registry) (*Connection, error) {
	tr, err := dial()
	if err != nil {
		return nil, err
	}
	return &Connection{
		AppID:    appID,
		SendSpec: sendSpec,
		RecvSpec: recvSpec,
		registry: reg,
		dial:     dial,
		tr:       tr,
	}, nil
}

// SetRegistry installs the registry used to classify inbound requests.
// Call before the first Receive.
func (c *Connection) SetRegistry(reg *Registry) {
	c.registry = reg
}

// Receive blocks until the next request frame arrives and returns it
// decoded. Decode failures are returned as typed errors with the
// connection still usable; ErrConnectionClosed once Close has been called.
func (c *Connection) Receive() (*Request, error) {
	tr, err := c.transport()
	if err != nil {
		return nil, err
	}

	raw, err := tr.Recv()
	if err != nil {
		if c.Closed() {
			return nil, ErrConnectionClosed
		}
		return nil, err
	}

	return ParseRequest(raw, c.registry)
}

// Reply serialises the response and sends it as one transport message.
func (c *Connection) Reply(resp Response) error {
	payload, err := resp.Payload()
	if err != nil {
		return err
	}
	sender, ids := resp.Recipients()
	return c.send(EncodeReply(sender, ids, payload))
}

// ReplyClose sends the close-connection command for the listed clients.
func (c *Connection) ReplyClose(senderID string, connIDs ...int) error {
	return c.Reply(&CloseCommand{SenderID: senderID, ConnIDs: connIDs})
}

func (c *Connection) send(frame []byte) error {
	tr, err := c.transport()
	if err != nil {
		return err
	}
	if err := tr.Send(frame); err != nil {
		if c.Closed() {
			return ErrConnectionClosed
		}
		return err
	}
	return nil
}

func (c *Connection) transport() (Transport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrConnectionClosed
	}
	return c.tr, nil
}

// Closed reports whether Close has been called.
func (c *Connection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close tears down the transport. Idempotent; later operations fail with
// ErrConnectionClosed.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	tr := c.tr
	c.mu.Unlock()

	if tr == nil {
		return nil
	}
	return tr.Close()
}

// Dup opens a new connection with the same identity, endpoints and
// registry on fresh sockets, leaving this one closable on its own.
func (c *Connection) Dup() (*Connection, error) {
	return openConn(c.AppID, c.SendSpec, c.RecvSpec, c.dial, c.registry)
}
