package mongrel2

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-zeromq/zmq4"
)

// Transport is the message pipe a connection runs over: request frames in,
// reply frames out, each frame one message. The production implementation
// is a ZeroMQ PULL/PUB socket pair; tests substitute in-memory fakes.
type Transport interface {
	Recv() ([]byte, error)
	Send(frame []byte) error
	Close() error
}

// TransportDialer opens a fresh Transport. Connection keeps its dialer so
// Dup can open an independent pair on the same endpoints.
type TransportDialer func() (Transport, error)

// zmqTransport joins the two sockets a Mongrel2 handler owns: requests
// arrive on a PULL socket (load-balanced across replicas that share an
// identity) and replies leave on a PUB socket filtered by sender id.
type zmqTransport struct {
	pull zmq4.Socket
	pub  zmq4.Socket
}

// dialZMQ connects both sockets. The PUB socket carries the handler's
// identity so queued replies survive a crash and reconnect.
func dialZMQ(appID, sendSpec, recvSpec string) (Transport, error) {
	pub := zmq4.NewPub(context.Background(), zmq4.WithID(zmq4.SocketIdentity(appID)))
	if err := pub.Dial(sendSpec); err != nil {
		return nil, fmt.Errorf("dial send_spec %s: %w", sendSpec, err)
	}

	pull := zmq4.NewPull(context.Background())
	if err := pull.Dial(recvSpec); err != nil {
		pub.Close()
		return nil, fmt.Errorf("dial recv_spec %s: %w", recvSpec, err)
	}

	return &zmqTransport{pull: pull, pub: pub}, nil
}

func (t *zmqTransport) Recv() ([]byte, error) {
	msg, err := t.pull.Recv()
	if err != nil {
		return nil, err
	}
	return msg.Bytes(), nil
}

func (t *zmqTransport) Send(frame []byte) error {
	return t.pub.Send(zmq4.NewMsg(frame))
}

func (t *zmqTransport) Close() error {
	return errors.Join(t.pull.Close(), t.pub.Close())
}
