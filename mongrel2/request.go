package mongrel2

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"sync"

	"github.com/goccy/go-json"

	"github.com/sergekov/go-mongrel2/tnetstring"
)

// Kind discriminates the request variants a Mongrel2 server delivers.
type Kind int

const (
	// KindUnknown is the base variant: the envelope decoded but the METHOD
	// token matched no registered kind. The run loop logs these and moves on.
	KindUnknown Kind = iota
	KindHTTP
	KindJSON
	KindXML
	KindWebsocket
)

func (k Kind) String() string {
	switch k {
	case KindHTTP:
		return "http"
	case KindJSON:
		return "json"
	case KindXML:
		return "xml"
	case KindWebsocket:
		return "websocket"
	}
	return "unknown"
}

// Distinguished header keys set by Mongrel2.
const (
	HeaderMethod  = "METHOD"
	HeaderVersion = "VERSION"
	HeaderPattern = "PATTERN"
	HeaderURI     = "URI"
	HeaderPath    = "PATH"
	HeaderFlags   = "FLAGS"
)

// methodPattern is the shape a METHOD token must have.
var methodPattern = regexp.MustCompile(`^\w+$`)

// Request is one decoded inbound frame. SenderID and ConnID address the
// originating server and client connection and are echoed in replies.
// Raw keeps the undecoded frame for diagnostics; nothing mutates it after
// decode.
type Request struct {
	SenderID string
	ConnID   int
	Path     string
	Headers  map[string]any
	Body     []byte
	Raw      []byte

	Kind   Kind
	Method string

	// Data is the decoded JSON document for KindJSON requests.
	Data any

	// Frame is the parsed WebSocket frame for KindWebsocket requests.
	Frame *WebsocketFrame

	// IsDisconnect marks the JSON disconnect notice Mongrel2 sends when a
	// client goes away. No reply is expected.
	IsDisconnect bool

	resp *HTTPResponse
}

// Header returns the named header as a string, or "" when absent or not a
// string. Header names are case-sensitive as delivered.
func (r *Request) Header(name string) string {
	v, ok := r.Headers[name]
	if !ok {
		return ""
	}
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return s
}

// Response returns the HTTP response paired with this request, creating it
// on first use with the sender and connection ids copied over.
func (r *Request) Response() *HTTPResponse {
	if r.resp == nil {
		r.resp = NewHTTPResponse(r.SenderID, r.ConnID)
	}
	return r.resp
}

// Registry maps METHOD tokens to request kinds. A handler owns one registry,
// fills it before the loop starts and leaves it alone afterward; tests build
// their own instead of sharing process state.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]Kind
	def   Kind
}

// NewRegistry returns a registry with the standard Mongrel2 taxonomy:
// HTTP verbs, JSON, XML and WEBSOCKET, with the base variant as default.
func NewRegistry() *Registry {
	r := &Registry{
		kinds: make(map[string]Kind),
		def:   KindUnknown,
	}
	for _, verb := range []string{
		"GET", "HEAD", "POST", "PUT", "DELETE",
		"OPTIONS", "PATCH", "TRACE", "CONNECT",
	} {
		r.kinds[verb] = KindHTTP
	}
	r.kinds["JSON"] = KindJSON
	r.kinds["XML"] = KindXML
	r.kinds["WEBSOCKET"] = KindWebsocket
	return r
}

// Register installs method → kind.
func (r *Registry) Register(method string, k Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds[method] = k
}

// RegisterDefault replaces the fallthrough kind. Entries still pointing at
// the previous default are removed so re-registering does not leave stale
// mappings behind.
func (r *Registry) RegisterDefault(k Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for method, kind := range r.kinds {
		if kind == r.def {
			delete(r.kinds, method)
		}
	}
	r.def = k
}

// Lookup resolves a METHOD token to a kind.
func (r *Registry) Lookup(method string) Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if k, ok := r.kinds[method]; ok {
		return k
	}
	return r.def
}

var defaultRegistry = NewRegistry()

// DefaultRegistry is the registry connections use unless given their own.
func DefaultRegistry() *Registry {
	return defaultRegistry
}

// ParseRequest decodes one wire frame into a typed request:
//
//	<sender_uuid> <conn_id> <path> <headers-tnetstring><body-tnetstring>
//
// Headers arrive either as a tnetstring dictionary or as a tnetstring
// string holding a JSON object, depending on how the server is configured.
func ParseRequest(raw []byte, reg *Registry) (*Request, error) {
	if reg == nil {
		reg = defaultRegistry
	}

	sender, rest, ok := cutSpace(raw)
	if !ok {
		return nil, badRequestf("missing sender id")
	}
	connField, rest, ok := cutSpace(rest)
	if !ok {
		return nil, badRequestf("missing connection id")
	}
	path, rest, ok := cutSpace(rest)
	if !ok {
		return nil, badRequestf("missing path")
	}

	connID, err := strconv.Atoi(string(connField))
	if err != nil || connID < 0 {
		return nil, badRequestf("bad connection id %q", connField)
	}

	headersVal, rest, err := tnetstring.Parse(rest)
	if err != nil {
		return nil, err
	}
	bodyVal, _, err := tnetstring.Parse(rest)
	if err != nil {
		return nil, err
	}
	body, ok := bodyVal.(string)
	if !ok {
		return nil, badRequestf("body is %T, want string", bodyVal)
	}

	headers, err := coerceHeaders(headersVal)
	if err != nil {
		return nil, err
	}

	req := &Request{
		SenderID: string(sender),
		ConnID:   connID,
		Path:     string(path),
		Headers:  headers,
		Body:     []byte(body),
		Raw:      raw,
	}

	method := req.Header(HeaderMethod)
	if !methodPattern.MatchString(method) {
		return nil, &UnhandledMethodError{Method: method}
	}
	req.Method = method
	req.Kind = reg.Lookup(method)

	switch req.Kind {
	case KindJSON:
		if err := decodeJSONBody(req); err != nil {
			return nil, err
		}
	case KindWebsocket:
		frame, err := ParseWebsocketFrame(req.Body)
		if err != nil {
			return nil, badRequestf("websocket frame: %v", err)
		}
		req.Frame = frame
	}

	return req, nil
}

func cutSpace(b []byte) (field, rest []byte, ok bool) {
	i := bytes.IndexByte(b, ' ')
	if i < 0 {
		return nil, nil, false
	}
	return b[:i], b[i+1:], true
}

func coerceHeaders(v any) (map[string]any, error) {
	switch h := v.(type) {
	case map[string]any:
		return h, nil
	case string:
		var m map[string]any
		if err := json.Unmarshal([]byte(h), &m); err != nil {
			return nil, badRequestf("JSON headers: %v", err)
		}
		if m == nil {
			return nil, badRequestf("JSON headers are not an object")
		}
		return m, nil
	}
	return nil, badRequestf("headers are %T, want dict or JSON string", v)
}

func decodeJSONBody(req *Request) error {
	var data any
	if err := json.Unmarshal(req.Body, &data); err != nil {
		return badRequestf("JSON body: %v", err)
	}
	req.Data = data

	if m, ok := data.(map[string]any); ok && len(m) == 1 {
		if t, ok := m["type"].(string); ok && t == "disconnect" {
			req.IsDisconnect = true
		}
	}
	return nil
}

// String is the short diagnostic form used by the run loop's logs.
func (r *Request) String() string {
	return fmt.Sprintf("%s conn=%d %s %s", r.Kind, r.ConnID, r.Method, r.Path)
}
