package wspp

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func rawRequest(lines ...string) []byte {
	s := ""
	for _, l := range lines {
		s += l + "\r\n"
	}
	s += "\r\n"
	return []byte(s)
}

// TestAcceptKey_S1 is scenario S1 from the spec: a fixed nonce must
// produce the documented accept value bit-for-bit.
func TestAcceptKey_S1(t *testing.T) {
	got := acceptKey("dGhlIHNhbXBsZSBub25jZQ==")
	want := "s3pPLMBiTxaQ9kYGzzhZRbK+xOo="
	require.Equal(t, want, got)
}

func TestParseHandshakeRequest_FoldsRepeatedHeaders(t *testing.T) {
	raw := rawRequest(
		"GET /chat HTTP/1.1",
		"Host: example.com",
		"X-Custom: a",
		"X-Custom: b",
	)
	req, err := parseHandshakeRequest(raw)
	require.NoError(t, err)
	require.Equal(t, "GET", req.Method)
	require.Equal(t, "/chat", req.Target)
	require.Equal(t, "a, b", req.Header["X-Custom"])
}

func TestValidateHandshake_Matrix(t *testing.T) {
	base := func(overrides map[string]string) *handshakeRequest {
		req := &handshakeRequest{
			Method:  "GET",
			Target:  "/",
			Version: "HTTP/1.1",
			Header: map[string]string{
				"Host":                  "example.com",
				"Upgrade":               "websocket",
				"Connection":            "Upgrade",
				"Sec-Websocket-Key":     "dGhlIHNhbXBsZSBub25jZQ==",
				"Sec-Websocket-Version": "13",
			},
		}
		for k, v := range overrides {
			if v == "" {
				delete(req.Header, k)
			} else {
				req.Header[k] = v
			}
		}
		return req
	}

	cases := []struct {
		name      string
		overrides map[string]string
		wantErr   bool
	}{
		{"valid version 13", nil, false},
		{"valid version 8", map[string]string{"Sec-Websocket-Version": "8"}, false},
		{"valid version 7", map[string]string{"Sec-Websocket-Version": "7"}, false},
		{"missing upgrade", map[string]string{"Upgrade": ""}, true},     // S2
		{"wrong version", map[string]string{"Sec-Websocket-Version": "6"}, true}, // S3
		{"missing host", map[string]string{"Host": ""}, true},
		{"missing key", map[string]string{"Sec-Websocket-Key": ""}, true},
		{"connection missing upgrade token", map[string]string{"Connection": "keep-alive"}, true},
		{"connection multi-token", map[string]string{"Connection": "keep-alive, Upgrade"}, false},
		{"case-insensitive upgrade value", map[string]string{"Upgrade": "WebSocket"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := validateHandshake(base(tc.overrides))
			if tc.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestValidateHandshake_RejectsNonGET(t *testing.T) {
	req := &handshakeRequest{Method: "POST", Version: "HTTP/1.1", Header: map[string]string{}}
	_, _, err := validateHandshake(req)
	if err == nil {
		t.Fatal("expected error for non-GET method")
	}
}

func TestValidateHandshake_OriginSelectionByVersion(t *testing.T) {
	req8 := &handshakeRequest{
		Method: "GET", Version: "HTTP/1.1",
		Header: map[string]string{
			"Host": "x", "Upgrade": "websocket", "Connection": "Upgrade",
			"Sec-Websocket-Key": "k", "Sec-Websocket-Version": "8",
			"Sec-Websocket-Origin": "http://old.example",
		},
	}
	_, origin, err := validateHandshake(req8)
	require.NoError(t, err)
	require.Equal(t, "http://old.example", origin)

	req13 := &handshakeRequest{
		Method: "GET", Version: "HTTP/1.1",
		Header: map[string]string{
			"Host": "x", "Upgrade": "websocket", "Connection": "Upgrade",
			"Sec-Websocket-Key": "k", "Sec-Websocket-Version": "13",
			"Origin": "http://new.example",
		},
	}
	_, origin, err = validateHandshake(req13)
	require.NoError(t, err)
	require.Equal(t, "http://new.example", origin)
}

func TestSplitTokenList(t *testing.T) {
	got := splitTokenList(" chat ,  superchat,notify ")
	want := []string{"chat", "superchat", "notify"}
	require.Equal(t, want, got)
}

func TestBuildHandshakeResponse_FixedHeaderOrder(t *testing.T) {
	resp := buildHandshakeResponse("dGhlIHNhbXBsZSBub25jZQ==", "wspp/1.0", []keyValue{{"Sec-WebSocket-Protocol", "chat"}})
	s := string(resp)
	order := []string{"Sec-WebSocket-Accept", "Upgrade", "Connection", "Server", "Sec-WebSocket-Protocol"}
	last := -1
	for _, name := range order {
		idx := strings.Index(s, name)
		if idx == -1 {
			t.Fatalf("missing header %s in response", name)
		}
		if idx <= last {
			t.Fatalf("header %s out of order", name)
		}
		last = idx
	}
}
