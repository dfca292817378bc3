package wspp

import (
	"bytes"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// handshakeRequest is the parsed opening HTTP request, up to (and
// including the parse of) CRLFCRLF.
type handshakeRequest struct {
	Method  string
	Target  string
	Version string
	Header  map[string]string // canonical name -> repeated values joined with ", "
	Body    []byte
}

var crlfcrlf = []byte("\r\n\r\n")

// parseHandshakeRequest splits raw on CRLF, parses the request line, and
// folds repeated headers together by joining with ", " (spec §4.C).
// Grounded on pepnova-9-go-websocket-server's inline header loop and
// jason-cq-nats-server's wsHeaderContains, generalized into a reusable
// multimap-folding parse step instead of net/http.ReadRequest, since the
// spec models a raw pre-HTTP byte stream rather than a hijacked request.
func parseHandshakeRequest(raw []byte) (*handshakeRequest, error) {
	raw = bytes.TrimSuffix(raw, crlfcrlf)
	lines := strings.Split(string(raw), "\r\n")
	if len(lines) == 0 || lines[0] == "" {
		return nil, NewHandshakeError(http.StatusBadRequest, "empty request line")
	}

	parts := strings.Split(lines[0], " ")
	if len(parts) != 3 {
		return nil, NewHandshakeError(http.StatusBadRequest, "malformed request line")
	}
	req := &handshakeRequest{
		Method:  parts[0],
		Target:  parts[1],
		Version: parts[2],
		Header:  map[string]string{},
	}

	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, NewHandshakeError(http.StatusBadRequest, "malformed header line: "+line)
		}
		name = http.CanonicalHeaderKey(strings.TrimSpace(name))
		value = strings.TrimSpace(value)
		if existing, ok := req.Header[name]; ok {
			req.Header[name] = existing + ", " + value
		} else {
			req.Header[name] = value
		}
	}
	return req, nil
}

// keyValue is an ordered response header pair, used so application
// headers from SetHeader are emitted in call order rather than the
// random order a map would give.
type keyValue struct{ key, value string }

// validateHandshake runs the intrinsic (pre-application) validation
// contract from spec §4.C, in the order RFC 6455 §4.2.1 lists them.
// Grounded on jason-cq-nats-server's wsUpgrade (point-by-point comments)
// and betamos-Go-Websocket's wsClientHandshake.
func validateHandshake(req *handshakeRequest) (version int, origin string, err error) {
	if req.Method != "GET" {
		return 0, "", NewHandshakeError(http.StatusBadRequest, "method must be GET")
	}
	if req.Version != "HTTP/1.1" {
		return 0, "", NewHandshakeError(http.StatusBadRequest, "HTTP version must be HTTP/1.1")
	}
	if req.Header["Host"] == "" {
		return 0, "", NewHandshakeError(http.StatusBadRequest, "Host header missing or empty")
	}
	if !strings.EqualFold(req.Header["Upgrade"], "websocket") {
		return 0, "", NewHandshakeError(http.StatusBadRequest, "Upgrade header must be websocket")
	}
	if !headerContainsToken(req.Header["Connection"], "upgrade") {
		return 0, "", NewHandshakeError(http.StatusBadRequest, "Connection header must contain upgrade")
	}
	if req.Header["Sec-Websocket-Key"] == "" {
		return 0, "", NewHandshakeError(http.StatusBadRequest, "Sec-WebSocket-Key missing or empty")
	}
	version, convErr := strconv.Atoi(req.Header["Sec-Websocket-Version"])
	if convErr != nil || (version != 7 && version != 8 && version != 13) {
		return 0, "", NewHandshakeError(http.StatusBadRequest, "Sec-WebSocket-Version must be 7, 8, or 13")
	}

	if version < 13 {
		origin = req.Header["Sec-Websocket-Origin"]
	} else {
		origin = req.Header["Origin"]
	}
	return version, origin, nil
}

// headerContainsToken reports whether the comma-separated header value
// contains token, case-insensitively, ignoring surrounding whitespace.
func headerContainsToken(value, token string) bool {
	for _, part := range strings.Split(value, ",") {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}

// splitTokenList parses a comma-separated header value into trimmed
// tokens, dropping empties. Used for Sec-WebSocket-Protocol and
// Sec-WebSocket-Extensions (spec.md §9 TODO, resolved here).
func splitTokenList(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	tokens := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			tokens = append(tokens, p)
		}
	}
	return tokens
}

// acceptKey computes Sec-WebSocket-Accept per spec §4.C: base64 of the
// SHA-1 digest of the key concatenated with the WebSocket GUID, emitted in
// its canonical big-endian byte order (resolving spec.md §9's open
// question about the source's htonl word-swap: sha1.Sum already returns
// the canonical digest, so no swap is applied).
func acceptKey(key string) string {
	sum := sha1.Sum([]byte(key + wsGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// buildHandshakeResponse emits the fixed-order success response from
// spec §4.C: Sec-WebSocket-Accept, Upgrade, Connection, Server, then
// application-supplied headers in call order, terminated by CRLFCRLF.
func buildHandshakeResponse(key, serverIdent string, extra []keyValue) []byte {
	var b bytes.Buffer
	b.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	fmt.Fprintf(&b, "Sec-WebSocket-Accept: %s\r\n", acceptKey(key))
	b.WriteString("Upgrade: websocket\r\n")
	b.WriteString("Connection: Upgrade\r\n")
	fmt.Fprintf(&b, "Server: %s\r\n", serverIdent)
	for _, kv := range extra {
		fmt.Fprintf(&b, "%s: %s\r\n", kv.key, kv.value)
	}
	b.WriteString("\r\n")
	return b.Bytes()
}

// buildErrorResponse emits a minimal HTTP error response for a
// *HandshakeError.
func buildErrorResponse(status int, message string) []byte {
	body := message
	var b bytes.Buffer
	fmt.Fprintf(&b, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status))
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	fmt.Fprintf(&b, "Content-Length: %d\r\n", len(body))
	b.WriteString("Connection: close\r\n\r\n")
	b.WriteString(body)
	return b.Bytes()
}
