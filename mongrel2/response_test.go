package mongrel2

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
	"strings"
	"testing"
)

func TestEncodeReplySingle(t *testing.T) {
	frame := EncodeReply("abc", []int{42}, []byte("hi"))
	if string(frame) != "abc 2:42, hi" {
		t.Fatalf("unexpected frame: %q", frame)
	}
}

func TestEncodeReplyBroadcast(t *testing.T) {
	frame := EncodeReply("abc", []int{1, 2, 30}, []byte("x"))
	if string(frame) != "abc 6:1 2 30, x" {
		t.Fatalf("unexpected frame: %q", frame)
	}
}

func TestCloseCommandHasEmptyPayload(t *testing.T) {
	cmd := &CloseCommand{SenderID: "abc", ConnIDs: []int{42, 43}}
	payload, err := cmd.Payload()
	if err != nil {
		t.Fatalf("Payload: %v", err)
	}
	if len(payload) != 0 {
		t.Fatalf("close command payload must be empty, got %q", payload)
	}

	sender, ids := cmd.Recipients()
	frame := EncodeReply(sender, ids, payload)
	if string(frame) != "abc 5:42 43, " {
		t.Fatalf("unexpected close frame: %q", frame)
	}
}

func TestStatusLine(t *testing.T) {
	r := NewHTTPResponse("abc", 1)
	r.SetStatus(http.StatusNoContent)
	if got := r.StatusLine(); got != "HTTP/1.1 204 No Content\r\n" {
		t.Fatalf("unexpected status line %q", got)
	}

	r.SetStatus(99)
	if got := r.StatusLine(); got != "HTTP/1.1 099 Unknown Status\r\n" {
		t.Fatalf("expected zero-padded unknown status, got %q", got)
	}
}

func TestStatusLineDefaultsTo200(t *testing.T) {
	r := NewHTTPResponse("abc", 1)
	if r.Handled() {
		t.Fatalf("fresh response must not count as handled")
	}
	if got := r.StatusLine(); got != "HTTP/1.1 200 OK\r\n" {
		t.Fatalf("unset status should default to 200, got %q", got)
	}
	if !r.Handled() {
		t.Fatalf("defaulting assigns the status")
	}
}

func TestSerialisationParsesBackAsHTTP(t *testing.T) {
	r := NewHTTPResponse("abc", 5)
	r.SetHeader("Content-Type", "text/plain")
	r.SetStatusAndBody(http.StatusOK, "hello world")

	raw, err := r.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(raw)), nil)
	if err != nil {
		t.Fatalf("serialisation does not parse as HTTP: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get("Server") != serverHeader {
		t.Fatalf("missing Server header")
	}
	if resp.Header.Get("Date") == "" {
		t.Fatalf("Date must be auto-populated")
	}
	if resp.Header.Get("Content-Length") != "11" {
		t.Fatalf("expected Content-Length 11, got %q", resp.Header.Get("Content-Length"))
	}
	if resp.Header.Get("Content-Type") != "text/plain" {
		t.Fatalf("explicit header lost")
	}

	body, _ := io.ReadAll(resp.Body)
	if string(body) != "hello world" {
		t.Fatalf("unexpected body %q", body)
	}
}

func TestHeadersKeepInsertionOrder(t *testing.T) {
	r := NewHTTPResponse("abc", 1)
	r.SetHeader("X-First", "1")
	r.SetHeader("X-Second", "2")
	r.SetHeader("x-first", "one") // case-insensitive replace, position kept

	hdr, err := r.headerBlock()
	if err != nil {
		t.Fatalf("headerBlock: %v", err)
	}

	first := strings.Index(string(hdr), "X-First: one")
	second := strings.Index(string(hdr), "X-Second: 2")
	if first < 0 || second < 0 || first > second {
		t.Fatalf("insertion order violated:\n%s", hdr)
	}
}

// seekOnlyBody has Seek and Read but no length accessor, forcing the
// seek/tell arm of the Content-Length protocol.
type seekOnlyBody struct {
	r *bytes.Reader
}

func (b *seekOnlyBody) Read(p []byte) (int, error) { return b.r.Read(p) }

func (b *seekOnlyBody) Seek(off int64, whence int) (int64, error) { return b.r.Seek(off, whence) }

func TestContentLengthFromSeekTell(t *testing.T) {
	data := make([]byte, 1034)
	body := &seekOnlyBody{r: bytes.NewReader(data)}
	if _, err := body.Seek(10, io.SeekStart); err != nil {
		t.Fatalf("seek: %v", err)
	}

	r := NewHTTPResponse("abc", 1)
	r.SetStatusAndBody(http.StatusOK, body)

	raw, err := r.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	if !strings.Contains(string(raw), "Content-Length: 1024\r\n") {
		t.Fatalf("expected Content-Length 1024 in:\n%s", raw)
	}

	pos, err := body.Seek(0, io.SeekCurrent)
	if err != nil {
		t.Fatalf("seek: %v", err)
	}
	if pos != 10 {
		t.Fatalf("stream position must be restored to 10, got %d", pos)
	}
}

func TestContentLengthNoProtocolFails(t *testing.T) {
	r := NewHTTPResponse("abc", 1)
	r.SetStatusAndBody(http.StatusOK, struct{ X int }{})

	_, err := r.Bytes()
	rerr, ok := err.(*ResponseError)
	if !ok {
		t.Fatalf("expected *ResponseError, got %v", err)
	}
	if rerr.Reason == "" {
		t.Fatalf("ResponseError should explain itself")
	}
}

func TestStatusCategoriesAreExclusive(t *testing.T) {
	r := NewHTTPResponse("abc", 1)

	if r.Category() != 0 {
		t.Fatalf("unset status must have category 0")
	}

	for status := 100; status <= 599; status++ {
		r.SetStatus(status)
		trues := 0
		for _, v := range []bool{
			r.IsInformational(), r.IsSuccessful(), r.IsRedirect(),
			r.IsClientError(), r.IsServerError(),
		} {
			if v {
				trues++
			}
		}
		if trues != 1 {
			t.Fatalf("status %d: expected exactly one category, got %d", status, trues)
		}
	}
}

func TestKeepAliveToggle(t *testing.T) {
	r := NewHTTPResponse("abc", 1)
	if r.KeepAlive() {
		t.Fatalf("fresh response should not be keep-alive")
	}

	r.SetKeepAlive(true)
	if r.GetHeader("Connection") != "keep-alive" {
		t.Fatalf("expected Connection: keep-alive, got %q", r.GetHeader("Connection"))
	}
	if !r.KeepAlive() {
		t.Fatalf("KeepAlive should report true")
	}

	r.SetKeepAlive(false)
	if r.GetHeader("Connection") != "close" {
		t.Fatalf("expected Connection: close, got %q", r.GetHeader("Connection"))
	}
	if r.KeepAlive() {
		t.Fatalf("KeepAlive should report false")
	}

	r.SetHeader("Connection", "Keep-Alive")
	if !r.KeepAlive() {
		t.Fatalf("keep-alive match must be case-insensitive")
	}
}

func TestResetRestoresFreshState(t *testing.T) {
	fresh := NewHTTPResponse("abc", 7)

	r := NewHTTPResponse("abc", 7)
	r.SetStatusAndBody(http.StatusTeapot, "tea")
	r.SetHeader("X-Extra", "y")
	r.SetKeepAlive(true)

	r.Reset()

	if r.Status() != fresh.Status() || r.Handled() {
		t.Fatalf("status not cleared")
	}
	if r.Body() != nil {
		t.Fatalf("body not cleared")
	}
	if r.GetHeader("Server") != serverHeader {
		t.Fatalf("Server header must be re-seeded")
	}
	if r.GetHeader("X-Extra") != "" || r.GetHeader("Connection") != "" {
		t.Fatalf("headers not cleared")
	}
	if r.SenderID != fresh.SenderID || r.ConnID != fresh.ConnID {
		t.Fatalf("addressing must survive a reset")
	}
}
