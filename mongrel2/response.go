package mongrel2

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Version is the library release, advertised in the seeded Server header.
const Version = "0.9.0"

const serverHeader = "go-mongrel2/" + Version

// Response is anything the run loop can send back through a connection.
// Payload produces the bytes that go after the id list in the reply
// envelope; an empty payload is the close-connection command.
type Response interface {
	Recipients() (senderID string, connIDs []int)
	Payload() ([]byte, error)
}

// EncodeReply builds one outbound wire frame:
//
//	<sender_uuid> <N>:<id1> <id2> … <idK>, <payload-bytes>
//
// N is the byte length of the space-separated id list. One logical reply is
// always one transport message.
func EncodeReply(senderID string, connIDs []int, payload []byte) []byte {
	ids := make([]string, len(connIDs))
	for i, id := range connIDs {
		ids[i] = strconv.Itoa(id)
	}
	idList := strings.Join(ids, " ")

	var buf bytes.Buffer
	buf.Grow(len(senderID) + len(idList) + len(payload) + 16)
	buf.WriteString(senderID)
	buf.WriteByte(' ')
	buf.WriteString(strconv.Itoa(len(idList)))
	buf.WriteByte(':')
	buf.WriteString(idList)
	buf.WriteString(", ")
	buf.Write(payload)
	return buf.Bytes()
}

// CloseCommand tells the server to drop the listed client connections. On
// the wire it is a reply envelope with an empty payload.
type CloseCommand struct {
	SenderID string
	ConnIDs  []int
}

func (c *CloseCommand) Recipients() (string, []int) { return c.SenderID, c.ConnIDs }
func (c *CloseCommand) Payload() ([]byte, error)    { return nil, nil }

// SizedBody is a body that knows its own byte length. Bodies that instead
// implement io.Seeker get their length measured seek-to-end; anything else
// fails with ResponseError when the response is serialised.
type SizedBody interface {
	Len() int
}

// header is one name/value pair; the block keeps insertion order.
type header struct {
	name  string
	value string
}

// HTTPResponse models the handler side of one HTTP exchange. The zero
// status means "not handled yet"; serialising an unhandled response warns
// and falls back to 200.
type HTTPResponse struct {
	SenderID string
	ConnID   int

	status  int
	headers []header
	body    any
}

// NewHTTPResponse returns a response addressed to the given server and
// connection, seeded with the Server header.
func NewHTTPResponse(senderID string, connID int) *HTTPResponse {
	r := &HTTPResponse{
		SenderID: senderID,
		ConnID:   connID,
	}
	r.SetHeader("Server", serverHeader)
	return r
}

// Reset returns the response to its freshly constructed state: headers
// cleared and re-seeded, status unset, body empty.
func (r *HTTPResponse) Reset() {
	r.status = 0
	r.headers = r.headers[:0]
	r.body = nil
	r.SetHeader("Server", serverHeader)
}

func (r *HTTPResponse) Status() int   { return r.status }
func (r *HTTPResponse) Handled() bool { return r.status != 0 }

// SetStatus assigns the HTTP status code.
func (r *HTTPResponse) SetStatus(code int) *HTTPResponse {
	r.status = code
	return r
}

// SetBody replaces the body. Accepted: nil, string, []byte, or any reader
// whose length the Content-Length protocol can resolve.
func (r *HTTPResponse) SetBody(body any) *HTTPResponse {
	r.body = body
	return r
}

// Body returns the current body.
func (r *HTTPResponse) Body() any { return r.body }

// SetStatusAndBody assigns both in one call.
func (r *HTTPResponse) SetStatusAndBody(code int, body any) *HTTPResponse {
	return r.SetStatus(code).SetBody(body)
}

// GetHeader returns the first header with the given name,
// case-insensitively, or "".
func (r *HTTPResponse) GetHeader(name string) string {
	for _, h := range r.headers {
		if strings.EqualFold(h.name, name) {
			return h.value
		}
	}
	return ""
}

// SetHeader replaces the named header in place, or appends it.
func (r *HTTPResponse) SetHeader(name, value string) *HTTPResponse {
	for i, h := range r.headers {
		if strings.EqualFold(h.name, name) {
			r.headers[i].value = value
			return r
		}
	}
	r.headers = append(r.headers, header{name: name, value: value})
	return r
}

// DelHeader removes every header with the given name.
func (r *HTTPResponse) DelHeader(name string) {
	kept := r.headers[:0]
	for _, h := range r.headers {
		if !strings.EqualFold(h.name, name) {
			kept = append(kept, h)
		}
	}
	r.headers = kept
}

// SetKeepAlive writes the Connection header: keep-alive when on, close
// when off.
func (r *HTTPResponse) SetKeepAlive(on bool) {
	if on {
		r.SetHeader("Connection", "keep-alive")
	} else {
		r.SetHeader("Connection", "close")
	}
}

// KeepAlive reports whether the current Connection header asks for
// keep-alive, matched case-insensitively.
func (r *HTTPResponse) KeepAlive() bool {
	return strings.Contains(strings.ToLower(r.GetHeader("Connection")), "keep-alive")
}

// Status-category accessors. Category is floor(status/100), 0 while unset.

func (r *HTTPResponse) Category() int         { return r.status / 100 }
func (r *HTTPResponse) IsInformational() bool { return r.Category() == 1 }
func (r *HTTPResponse) IsSuccessful() bool    { return r.Category() == 2 }
func (r *HTTPResponse) IsRedirect() bool      { return r.Category() == 3 }
func (r *HTTPResponse) IsClientError() bool   { return r.Category() == 4 }
func (r *HTTPResponse) IsServerError() bool   { return r.Category() == 5 }

// StatusLine renders `HTTP/1.1 SSS REASON\r\n`. An unset status warns and
// defaults to 200.
func (r *HTTPResponse) StatusLine() string {
	if r.status == 0 {
		log.Printf("[response] conn=%d has no status set, defaulting to 200", r.ConnID)
		r.status = http.StatusOK
	}
	reason := http.StatusText(r.status)
	if reason == "" {
		reason = "Unknown Status"
	}
	return fmt.Sprintf("HTTP/1.1 %03d %s\r\n", r.status, reason)
}

// ContentLength resolves the body's byte length: an explicit length first,
// then seek/tell, otherwise ResponseError.
func (r *HTTPResponse) ContentLength() (int64, error) {
	switch b := r.body.(type) {
	case nil:
		return 0, nil
	case string:
		return int64(len(b)), nil
	case []byte:
		return int64(len(b)), nil
	}

	if b, ok := r.body.(SizedBody); ok {
		return int64(b.Len()), nil
	}

	if s, ok := r.body.(io.Seeker); ok {
		pos, err := s.Seek(0, io.SeekCurrent)
		if err != nil {
			return 0, &ResponseError{Reason: "seek: " + err.Error()}
		}
		end, err := s.Seek(0, io.SeekEnd)
		if err != nil {
			return 0, &ResponseError{Reason: "seek: " + err.Error()}
		}
		if _, err := s.Seek(pos, io.SeekStart); err != nil {
			return 0, &ResponseError{Reason: "seek: " + err.Error()}
		}
		return end - pos, nil
	}

	return 0, &ResponseError{Reason: fmt.Sprintf("body %T has no length protocol", r.body)}
}

// headerBlock renders the headers in insertion order, populating Date and
// Content-Length first when absent.
func (r *HTTPResponse) headerBlock() ([]byte, error) {
	if r.GetHeader("Date") == "" {
		r.SetHeader("Date", time.Now().UTC().Format(http.TimeFormat))
	}
	if r.GetHeader("Content-Length") == "" {
		n, err := r.ContentLength()
		if err != nil {
			return nil, err
		}
		r.SetHeader("Content-Length", strconv.FormatInt(n, 10))
	}

	var buf bytes.Buffer
	for _, h := range r.headers {
		buf.WriteString(h.name)
		buf.WriteString(": ")
		buf.WriteString(h.value)
		buf.WriteString("\r\n")
	}
	buf.WriteString("\r\n")
	return buf.Bytes(), nil
}

// writeBody copies the body to w. Seekable bodies are written from their
// current position and restored to it afterwards.
func (r *HTTPResponse) writeBody(w io.Writer) error {
	switch b := r.body.(type) {
	case nil:
		return nil
	case string:
		_, err := io.WriteString(w, b)
		return err
	case []byte:
		_, err := w.Write(b)
		return err
	}

	rd, ok := r.body.(io.Reader)
	if !ok {
		return &ResponseError{Reason: fmt.Sprintf("body %T is not readable", r.body)}
	}

	if s, ok := r.body.(io.Seeker); ok {
		pos, err := s.Seek(0, io.SeekCurrent)
		if err != nil {
			return &ResponseError{Reason: "seek: " + err.Error()}
		}
		if _, err := io.Copy(w, rd); err != nil {
			return err
		}
		_, err = s.Seek(pos, io.SeekStart)
		return err
	}

	_, err := io.Copy(w, rd)
	return err
}

// Bytes is the full serialisation: status line, header block, body.
func (r *HTTPResponse) Bytes() ([]byte, error) {
	hdr, err := r.headerBlock()
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.WriteString(r.StatusLine())
	buf.Write(hdr)
	if err := r.writeBody(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// String renders the serialised response, or a diagnostic if the body
// refuses to serialise.
func (r *HTTPResponse) String() string {
	b, err := r.Bytes()
	if err != nil {
		return fmt.Sprintf("<unserialisable response conn=%d: %v>", r.ConnID, err)
	}
	return string(b)
}

// Recipients and Payload make HTTPResponse sendable by Connection.Reply.

func (r *HTTPResponse) Recipients() (string, []int) {
	return r.SenderID, []int{r.ConnID}
}

func (r *HTTPResponse) Payload() ([]byte, error) {
	return r.Bytes()
}
