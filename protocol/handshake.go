// File: protocol/handshake.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Server-side HTTP/1.1 upgrade handshake parsed directly from the receive
// buffer. The request head is validated in a fixed order and every failure
// maps to one HTTP status.

package protocol

import (
	"bytes"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

var headerTerminator = []byte("\r\n\r\n")

// ComputeAcceptKey derives Sec-WebSocket-Accept from the client key.
func ComputeAcceptKey(key string) string {
	h := sha1.New()
	h.Write([]byte(key + WebSocketGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// Request is a parsed request head. Header names are lower-cased; repeated
// headers are joined with ", ".
type Request struct {
	Method string
	Target string
	Proto  string
	Header map[string]string
}

// ParseRequest parses a request head that ends with an empty line. The
// terminator itself may be omitted.
func ParseRequest(head []byte) (*Request, error) {
	lines := strings.Split(strings.TrimSuffix(string(head), "\r\n\r\n"), "\r\n")
	parts := strings.Split(lines[0], " ")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || !strings.HasPrefix(parts[2], "HTTP/1.") {
		return nil, fmt.Errorf("malformed request line %q", lines[0])
	}
	req := &Request{Method: parts[0], Target: parts[1], Proto: parts[2], Header: make(map[string]string)}
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		colon := strings.IndexByte(line, ':')
		if colon <= 0 {
			return nil, fmt.Errorf("malformed header line %q", line)
		}
		name := strings.ToLower(strings.TrimSpace(line[:colon]))
		value := strings.TrimSpace(line[colon+1:])
		if prev, ok := req.Header[name]; ok {
			value = prev + ", " + value
		}
		req.Header[name] = value
	}
	return req, nil
}

// HasToken reports whether the comma-separated header contains token,
// case-insensitively.
func (r *Request) HasToken(name, token string) bool {
	for _, p := range strings.Split(r.Header[name], ",") {
		if strings.EqualFold(strings.TrimSpace(p), token) {
			return true
		}
	}
	return false
}

// Get returns a header value by case-insensitive name.
func (r *Request) Get(name string) string { return r.Header[strings.ToLower(name)] }

// BearerToken returns the token of an "Authorization: Bearer" header.
func (r *Request) BearerToken() (string, bool) {
	v := r.Header[HeaderAuthorization]
	const scheme = "bearer "
	if len(v) <= len(scheme) || !strings.EqualFold(v[:len(scheme)], scheme) {
		return "", false
	}
	return strings.TrimSpace(v[len(scheme):]), true
}

// Rejection is a failed handshake. It carries the HTTP status and the
// extra headers of the response.
type Rejection struct {
	Status int
	Reason string
	Header [][2]string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("handshake rejected: %d %s: %s", r.Status, http.StatusText(r.Status), r.Reason)
}

// Response renders the complete HTTP response for the rejection.
func (r *Rejection) Response(serverName string) []byte {
	text := http.StatusText(r.Status)
	body := fmt.Sprintf("<html><head><title>%d %s</title></head><body><h1>%d %s</h1></body></html>\n",
		r.Status, text, r.Status, text)

	var b bytes.Buffer
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", r.Status, text)
	if serverName != "" {
		fmt.Fprintf(&b, "Server: %s\r\n", serverName)
	}
	b.WriteString("Content-Type: text/html; charset=utf-8\r\n")
	b.WriteString("Content-Length: " + strconv.Itoa(len(body)) + "\r\n")
	b.WriteString("Connection: close\r\n")
	for _, h := range r.Header {
		if h[1] == "" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\r\n", h[0], h[1])
	}
	b.WriteString("\r\n")
	b.WriteString(body)
	return b.Bytes()
}

// Upgrader validates upgrade requests against the configured secret and
// sub-protocol.
type Upgrader struct {
	// Secret is the expected bearer token. An empty secret rejects every
	// request.
	Secret string
	// Realm is advertised in the 401 challenge, normally the bot name.
	Realm string
	// Subprotocol is advertised on 426 and echoed on 101 when offered.
	Subprotocol string
	// ServerName fills the Server header.
	ServerName string
	// MaxRequestBytes bounds the request head. Zero means MaxMessageSize.
	MaxRequestBytes int
}

// Accepted is a successful handshake.
type Accepted struct {
	Request     *Request
	AcceptKey   string
	Subprotocol string
	Response    []byte
}

// Negotiate inspects the bytes received so far. It returns (nil, 0, nil)
// while the head is incomplete, a *Rejection when the request must be
// refused, or the accepted handshake and the number of head bytes consumed.
// Bytes after the head belong to the WebSocket stream.
func (u *Upgrader) Negotiate(buf []byte) (*Accepted, int, error) {
	limit := u.MaxRequestBytes
	if limit <= 0 {
		limit = MaxMessageSize
	}
	end := bytes.Index(buf, headerTerminator)
	if end < 0 {
		if len(buf) > limit {
			return nil, 0, &Rejection{Status: http.StatusRequestEntityTooLarge, Reason: "request head exceeds limit"}
		}
		return nil, 0, nil
	}
	consumed := end + len(headerTerminator)
	if consumed > limit {
		return nil, 0, &Rejection{Status: http.StatusRequestEntityTooLarge, Reason: "request head exceeds limit"}
	}

	req, err := ParseRequest(buf[:consumed])
	if err != nil {
		return nil, 0, &Rejection{Status: http.StatusBadRequest, Reason: err.Error()}
	}
	if req.Method != http.MethodGet {
		return nil, 0, &Rejection{
			Status: http.StatusMethodNotAllowed,
			Reason: "method " + req.Method,
			Header: [][2]string{{"Allow", http.MethodGet}},
		}
	}
	if !u.authorized(req) {
		return nil, 0, &Rejection{
			Status: http.StatusUnauthorized,
			Reason: "missing or invalid bearer token",
			Header: [][2]string{{"WWW-Authenticate", fmt.Sprintf("Bearer realm=%q", u.Realm)}},
		}
	}
	if !req.HasToken(HeaderUpgrade, "websocket") {
		return nil, 0, &Rejection{
			Status: http.StatusUpgradeRequired,
			Reason: "missing Upgrade: websocket",
			Header: [][2]string{
				{"Connection", "Upgrade"},
				{"Upgrade", "websocket"},
				{"Sec-WebSocket-Version", RequiredWebSocketVersion},
				{"Sec-WebSocket-Protocol", u.Subprotocol},
			},
		}
	}
	key := req.Header[HeaderSecWebSocketKey]
	if key == "" {
		return nil, 0, &Rejection{Status: http.StatusNotFound, Reason: "missing Sec-WebSocket-Key"}
	}

	acc := &Accepted{Request: req, AcceptKey: ComputeAcceptKey(key)}
	if u.Subprotocol != "" && req.HasToken(HeaderSecWebSocketProto, u.Subprotocol) {
		acc.Subprotocol = u.Subprotocol
	}
	acc.Response = u.switching(acc)
	return acc, consumed, nil
}

func (u *Upgrader) authorized(req *Request) bool {
	if u.Secret == "" {
		return false
	}
	token, ok := req.BearerToken()
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(u.Secret)) == 1
}

func (u *Upgrader) switching(acc *Accepted) []byte {
	var b bytes.Buffer
	b.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	if u.ServerName != "" {
		fmt.Fprintf(&b, "Server: %s\r\n", u.ServerName)
	}
	b.WriteString("Upgrade: websocket\r\n")
	b.WriteString("Connection: Upgrade\r\n")
	fmt.Fprintf(&b, "Sec-WebSocket-Accept: %s\r\n", acc.AcceptKey)
	if acc.Subprotocol != "" {
		fmt.Fprintf(&b, "Sec-WebSocket-Protocol: %s\r\n", acc.Subprotocol)
	}
	b.WriteString("\r\n")
	return b.Bytes()
}
