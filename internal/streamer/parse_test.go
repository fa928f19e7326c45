package streamer

import (
	"strings"
	"testing"
)

func TestParseResponseHeaders(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		result parseResult
		status int
		etag   string
	}{
		{
			name:   "complete with etag",
			input:  "HTTP/1.1 200 OK\r\nETag: \"v7\"\r\nContent-Type: text/plain\r\n\r\nbody",
			result: parseComplete,
			status: 200,
			etag:   `"v7"`,
		},
		{
			name:   "incomplete",
			input:  "HTTP/1.1 200 OK\r\nContent-Type: text",
			result: parseIncomplete,
		},
		{
			name:   "four digit deny status",
			input:  "HTTP/1.1 3210 Shutdown\r\n\r\n",
			result: parseComplete,
			status: 3210,
		},
		{
			name:   "high load status",
			input:  "HTTP/1.0 1234 Busy\r\nConnection: close\r\n\r\n",
			result: parseComplete,
			status: 1234,
		},
		{
			name:   "garbled status line",
			input:  "garbage response\r\nmore: stuff\r\n\r\n",
			result: parseFailed,
		},
		{
			name:   "not http at all",
			input:  "SSH-2.0-OpenSSH_9.0\r\nnope\r\n",
			result: parseFailed,
		},
		{
			name:   "status not numeric",
			input:  "HTTP/1.1 abc OK\r\n\r\n",
			result: parseFailed,
		},
		{
			name:   "empty buffer",
			input:  "",
			result: parseIncomplete,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parsed, result := parseResponseHeaders([]byte(tt.input))
			if result != tt.result {
				t.Fatalf("result = %v, want %v", result, tt.result)
			}
			if result != parseComplete {
				return
			}
			if parsed.status != tt.status {
				t.Errorf("status = %d, want %d", parsed.status, tt.status)
			}
			if tt.etag != "" && parsed.header.Get("ETag") != tt.etag {
				t.Errorf("etag = %q, want %q", parsed.header.Get("ETag"), tt.etag)
			}
		})
	}
}

func TestParseResponseHeadersLength(t *testing.T) {
	head := "HTTP/1.1 200 OK\r\nContent-Length: 4\r\n\r\n"
	parsed, result := parseResponseHeaders([]byte(head + "body"))
	if result != parseComplete {
		t.Fatal("expected complete parse")
	}
	if parsed.headerLen != len(head) {
		t.Errorf("headerLen = %d, want %d", parsed.headerLen, len(head))
	}
}

func TestParseResponseHeadersOversized(t *testing.T) {
	huge := "HTTP/1.1 200 OK\r\nX-Fill: " + strings.Repeat("a", maxHeaderBytes)
	if _, result := parseResponseHeaders([]byte(huge)); result != parseFailed {
		t.Error("oversized header block must fail, not buffer forever")
	}
}
