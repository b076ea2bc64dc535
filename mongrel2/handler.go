package mongrel2

import (
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/goccy/go-json"

	"github.com/sergekov/go-mongrel2/tnetstring"
)

// App is the capability set a handler application implements. Each method
// receives the decoded request and returns the response to send, or nil
// for no reply. Embed BaseApp to pick up the defaults.
type App interface {
	Handle(*Request) (Response, error)
	HandleJSON(*Request) (Response, error)
	HandleXML(*Request) (Response, error)
	HandleWebsocket(*Request) (Response, error)
	HandleDisconnect(*Request)
}

// BaseApp supplies the default behaviour for every entry point: plain HTTP
// requests get 204 No Content, message requests get no reply, and
// WebSocket frames are refused with a policy-violation close.
type BaseApp struct{}

func (BaseApp) Handle(req *Request) (Response, error) {
	return req.Response().SetStatus(http.StatusNoContent), nil
}

func (BaseApp) HandleJSON(*Request) (Response, error) { return nil, nil }

func (BaseApp) HandleXML(*Request) (Response, error) { return nil, nil }

func (BaseApp) HandleWebsocket(req *Request) (Response, error) {
	return CloseWebsocket(req, ClosePolicyViolation), nil
}

func (BaseApp) HandleDisconnect(req *Request) {
	log.Printf("[handler] conn=%d disconnected", req.ConnID)
}

// RequestLog is the JSON entry the run loop emits per dispatched request.
type RequestLog struct {
	Time       time.Time `json:"time"`
	SenderID   string    `json:"sender_id"`
	ConnID     int       `json:"conn_id"`
	Kind       string    `json:"kind"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	Status     int       `json:"status,omitempty"`
	DurationMs float64   `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
}

func logRequestJSON(entry RequestLog) {
	b, err := json.Marshal(entry)
	if err != nil {
		log.Printf("error marshaling log entry: %v", err)
		return
	}
	log.Println(string(b))
}

// Handler drives the receive-dispatch-reply loop for one application over
// one connection. Signals steer the loop: HUP restarts the connection,
// TERM and INT shut it down, USR1 logs a checkpoint.
type Handler struct {
	app App

	mu       sync.Mutex
	conn     *Connection
	stopping bool
	inFlight bool
}

// NewHandler pairs an application with an open connection.
func NewHandler(app App, conn *Connection) *Handler {
	return &Handler{app: app, conn: conn}
}

// Conn returns the connection the loop is currently using. Restart swaps
// it for a fresh one.
func (h *Handler) Conn() *Connection {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conn
}

// Restart replaces the connection with a duplicate on fresh sockets and
// closes the original. A receive blocked on the old socket is abandoned;
// the loop resumes on the new one.
func (h *Handler) Restart() error {
	h.mu.Lock()
	old := h.conn
	fresh, err := old.Dup()
	if err != nil {
		h.mu.Unlock()
		return err
	}
	h.conn = fresh
	h.mu.Unlock()

	if err := old.Close(); err != nil {
		log.Printf("[handler] closing old connection: %v", err)
	}
	log.Printf("[handler] restarted connection to %s", fresh.RecvSpec)
	return nil
}

// Shutdown ends the loop. A loop blocked in receive is interrupted by
// closing the socket; a request currently being dispatched keeps its
// connection until its reply is out, and the loop closes it between
// iterations.
func (h *Handler) Shutdown() {
	h.mu.Lock()
	h.stopping = true
	inFlight := h.inFlight
	conn := h.conn
	h.mu.Unlock()

	if inFlight {
		return
	}
	if err := conn.Close(); err != nil {
		log.Printf("[handler] shutdown close: %v", err)
	}
}

// Run executes the receive-dispatch-reply loop until the connection is
// shut down. Signal disposition is restored to the default on exit.
func (h *Handler) Run() error {
	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGINT, syscall.SIGUSR1)
	sigDone := make(chan struct{})

	go func() {
		for {
			select {
			case sig := <-sigCh:
				h.handleSignal(sig)
			case <-sigDone:
				return
			}
		}
	}()

	defer func() {
		signal.Stop(sigCh)
		signal.Reset(syscall.SIGHUP, syscall.SIGTERM, syscall.SIGINT, syscall.SIGUSR1)
		close(sigDone)
	}()

	log.Printf("[handler] %s serving requests from %s", h.Conn().AppID, h.Conn().RecvSpec)

	for {
		h.mu.Lock()
		conn := h.conn
		stopping := h.stopping
		h.mu.Unlock()

		if stopping || conn.Closed() {
			if err := conn.Close(); err != nil {
				log.Printf("[handler] closing connection: %v", err)
			}
			return nil
		}

		req, err := conn.Receive()
		if err != nil {
			if conn.Closed() || isTransportClosed(err) {
				// shut down or restarted mid-receive; next iteration
				// picks up the current connection
				continue
			}
			switch err.(type) {
			case *BadRequestError, *UnhandledMethodError, *tnetstring.Error:
				log.Printf("[handler] dropping frame: %v", err)
			default:
				log.Printf("[handler] receive: %v, retrying", err)
			}
			continue
		}

		h.mu.Lock()
		h.inFlight = true
		h.mu.Unlock()

		h.serve(conn, req)

		h.mu.Lock()
		h.inFlight = false
		stopping = h.stopping
		h.mu.Unlock()

		if stopping {
			if err := conn.Close(); err != nil {
				log.Printf("[handler] closing connection: %v", err)
			}
			return nil
		}
	}
}

// serve dispatches one request and sends its reply, if any. The reply
// goes out on the connection the request arrived on, even when a shutdown
// lands mid-dispatch: the in-flight exchange finishes first.
func (h *Handler) serve(conn *Connection, req *Request) {
	start := time.Now()
	entry := RequestLog{
		Time:     start,
		SenderID: req.SenderID,
		ConnID:   req.ConnID,
		Kind:     req.Kind.String(),
		Method:   req.Method,
		Path:     req.Path,
	}

	resp, err := h.dispatch(req)
	entry.DurationMs = float64(time.Since(start).Microseconds()) / 1000
	if err != nil {
		entry.Error = err.Error()
		logRequestJSON(entry)
		return
	}

	if resp == nil {
		logRequestJSON(entry)
		return
	}

	if hr, ok := resp.(*HTTPResponse); ok {
		entry.Status = hr.Status()
	}

	if err := conn.Reply(resp); err != nil {
		entry.Error = err.Error()
		logRequestJSON(entry)
		if !conn.Closed() {
			log.Printf("[handler] reply failed: %v", err)
		}
		return
	}

	// a close frame is followed by the close command so the server drops
	// the client connection
	if wr, ok := resp.(*WebsocketResponse); ok && wr.IsClose() {
		if err := conn.ReplyClose(wr.SenderID, wr.ConnID); err != nil && !conn.Closed() {
			log.Printf("[handler] close command failed: %v", err)
		}
	}

	logRequestJSON(entry)
}

// dispatch routes the request to the application entry point matching its
// variant. Application panics are contained here; the loop carries on with
// no reply for that request.
func (h *Handler) dispatch(req *Request) (resp Response, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[handler] panic in %s handler: %v", req.Kind, r)
			resp, err = nil, nil
		}
	}()

	if req.IsDisconnect {
		h.app.HandleDisconnect(req)
		return nil, nil
	}

	switch req.Kind {
	case KindHTTP:
		return h.app.Handle(req)
	case KindJSON:
		return h.app.HandleJSON(req)
	case KindXML:
		return h.app.HandleXML(req)
	case KindWebsocket:
		return h.app.HandleWebsocket(req)
	}

	log.Printf("[handler] no handler registered for METHOD %q", req.Method)
	return nil, nil
}

// handleSignal runs on the signal goroutine and only mutates connection
// state through the handler; the loop observes the change on its next
// iteration.
func (h *Handler) handleSignal(sig os.Signal) {
	switch sig {
	case syscall.SIGHUP:
		log.Printf("[handler] SIGHUP: restarting connection")
		if err := h.Restart(); err != nil {
			log.Printf("[handler] restart failed: %v", err)
		}
	case syscall.SIGTERM, syscall.SIGINT:
		log.Printf("[shutdown] %s received, closing connection", sig)
		h.Shutdown()
	case syscall.SIGUSR1:
		log.Printf("[handler] checkpoint: conn=%s closed=%v", h.Conn().AppID, h.Conn().Closed())
	}
}
