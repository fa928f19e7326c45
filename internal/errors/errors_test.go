package errors

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWriteJSONBase(t *testing.T) {
	rec := httptest.NewRecorder()
	ErrBadGateway.WriteJSON(rec)

	if rec.Code != http.StatusBadGateway {
		t.Errorf("expected status 502, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected JSON content type, got %q", ct)
	}

	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON body: %v", err)
	}
	if body["message"] != "Bad Gateway" {
		t.Errorf("unexpected message: %v", body["message"])
	}
}

func TestWriteJSONWithDetails(t *testing.T) {
	rec := httptest.NewRecorder()
	ErrBadGateway.WithDetails("connect refused").WriteJSON(rec)

	var body map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON body: %v", err)
	}
	if body["details"] != "connect refused" {
		t.Errorf("unexpected details: %v", body["details"])
	}
}

func TestWriteFrontendTruncatesAndFlattens(t *testing.T) {
	long := strings.Repeat("x", 200) + "\n" + strings.Repeat("y", 200)
	rec := httptest.NewRecorder()
	New(http.StatusBadRequest, long).WriteFrontend(rec)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", rec.Code)
	}
	hdr := rec.Header().Get("X-Frontend-Error")
	if len(hdr) != 300 {
		t.Errorf("expected 300-char header, got %d", len(hdr))
	}
	if strings.Contains(hdr, "\n") {
		t.Error("header must not contain newlines")
	}
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	ge := Wrap(cause, http.StatusBadGateway, "backend connect failed")

	if !errors.Is(ge, cause) {
		t.Error("wrapped error should match the cause with errors.Is")
	}
	if !strings.Contains(ge.Error(), "refused") {
		t.Errorf("error string should contain the cause: %q", ge.Error())
	}
}

func TestIsGatewayError(t *testing.T) {
	if _, ok := IsGatewayError(errors.New("plain")); ok {
		t.Error("plain error misidentified as GatewayError")
	}
	if ge, ok := IsGatewayError(ErrNotFound); !ok || ge.Code != http.StatusNotFound {
		t.Error("GatewayError not identified")
	}
}
