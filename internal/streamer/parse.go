package streamer

import (
	"bufio"
	"bytes"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
)

// parseResult classifies one attempt at parsing buffered response bytes.
type parseResult int

const (
	parseIncomplete parseResult = iota
	parseComplete
	parseFailed
)

// maxHeaderBytes bounds how much we buffer while hunting for the end of
// the response headers before declaring the response garbled.
const maxHeaderBytes = 64 * 1024

// parsedResponse is the outcome of a complete header parse.
type parsedResponse struct {
	status    int
	header    http.Header
	headerLen int // bytes consumed by status line + headers + terminator
}

// parseResponseHeaders attempts to parse an HTTP response head out of
// buf. Backends signal deny conditions with non-standard status codes
// (3210, 1234), so the status is parsed leniently as any integer.
func parseResponseHeaders(buf []byte) (parsedResponse, parseResult) {
	end := bytes.Index(buf, []byte("\r\n\r\n"))
	if end < 0 {
		if len(buf) > maxHeaderBytes {
			return parsedResponse{}, parseFailed
		}
		// Cheap sanity check once the status line is available.
		if line := bytes.IndexByte(buf, '\n'); line >= 0 && !bytes.HasPrefix(buf, []byte("HTTP/")) {
			return parsedResponse{}, parseFailed
		}
		return parsedResponse{}, parseIncomplete
	}

	head := buf[:end+4]

	lineEnd := bytes.Index(head, []byte("\r\n"))
	statusLine := string(head[:lineEnd])

	proto, rest, ok := strings.Cut(statusLine, " ")
	if !ok || !strings.HasPrefix(proto, "HTTP/") {
		return parsedResponse{}, parseFailed
	}
	codeText, _, _ := strings.Cut(rest, " ")
	code, err := strconv.Atoi(codeText)
	if err != nil || code < 100 {
		return parsedResponse{}, parseFailed
	}

	tp := textproto.NewReader(bufio.NewReader(bytes.NewReader(head[lineEnd+2:])))
	mimeHeader, err := tp.ReadMIMEHeader()
	if err != nil {
		return parsedResponse{}, parseFailed
	}

	return parsedResponse{
		status:    code,
		header:    http.Header(mimeHeader),
		headerLen: end + 4,
	}, parseComplete
}
