package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tidwall/gjson"

	"github.com/weftlabs/weft/common/model"
)

// Guard stays off in execute tests: httptest binds loopback.
var devHTTP = HTTP{AllowPrivate: true}

func TestHTTP_JSONResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"ok": true, "items": [1, 2]}`)
	}))
	defer srv.Close()

	out, err := devHTTP.Execute(context.Background(), newTask("http", fmt.Sprintf(`{"url": %q}`, srv.URL)))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got := gjson.GetBytes(out, "status").Int(); got != 200 {
		t.Errorf("status = %d, want 200", got)
	}
	if !gjson.GetBytes(out, "body.ok").Bool() {
		t.Errorf("body.ok = false, want true (result %s)", out)
	}
	if got := gjson.GetBytes(out, "body.items.#").Int(); got != 2 {
		t.Errorf("body.items length = %d, want 2", got)
	}
}

func TestHTTP_TextResponseIsQuoted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, "pong")
	}))
	defer srv.Close()

	out, err := devHTTP.Execute(context.Background(), newTask("http", fmt.Sprintf(`{"url": %q}`, srv.URL)))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if got := gjson.GetBytes(out, "body").String(); got != "pong" {
		t.Errorf("body = %q, want %q", got, "pong")
	}
}

func TestHTTP_PostForwardsBodyAndHeaders(t *testing.T) {
	var gotMethod, gotCT, gotAuth, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotCT = r.Header.Get("Content-Type")
		gotAuth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{}`)
	}))
	defer srv.Close()

	params := fmt.Sprintf(`{"url": %q, "method": "post", "body": {"a": 1}, "headers": {"Authorization": "Bearer tok"}}`, srv.URL)
	if _, err := devHTTP.Execute(context.Background(), newTask("http", params)); err != nil {
		t.Fatalf("execute: %v", err)
	}

	if gotMethod != http.MethodPost {
		t.Errorf("method = %q, want POST", gotMethod)
	}
	if gotCT != "application/json" {
		t.Errorf("content-type = %q, want application/json", gotCT)
	}
	if gotAuth != "Bearer tok" {
		t.Errorf("authorization = %q", gotAuth)
	}
	if gjson.Get(gotBody, "a").Int() != 1 {
		t.Errorf("body = %q, want JSON with a=1", gotBody)
	}
}

func TestHTTP_ErrorStatusFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprint(w, `{"error": "upstream"}`)
	}))
	defer srv.Close()

	_, err := devHTTP.Execute(context.Background(), newTask("http", fmt.Sprintf(`{"url": %q}`, srv.URL)))
	var ne *model.NodeError
	if !errors.As(err, &ne) {
		t.Fatalf("err = %v, want NodeError", err)
	}
	if ne.Code != "http_status" {
		t.Errorf("code = %q, want http_status", ne.Code)
	}
	if got := gjson.GetBytes(ne.Details, "status").Int(); got != 502 {
		t.Errorf("details status = %d, want 502 (details %s)", got, ne.Details)
	}
	if got := gjson.GetBytes(ne.Details, "body.error").String(); got != "upstream" {
		t.Errorf("details body.error = %q, want upstream", got)
	}
}

func TestHTTP_MissingURL(t *testing.T) {
	_, err := devHTTP.Execute(context.Background(), newTask("http", `{}`))
	wantCode(t, err, "bad_parameters")
}

func TestHTTP_TargetGuard(t *testing.T) {
	tests := []struct {
		name string
		url  string
	}{
		{"scheme", "ftp://example.com/file"},
		{"localhost", "http://localhost:8080/admin"},
		{"loopback_literal", "http://127.0.0.1:9090/metrics"},
		{"private", "http://10.0.0.8/internal"},
		{"link_local_metadata", "http://169.254.169.254/latest/meta-data"},
		{"unspecified", "http://0.0.0.0/"},
		{"ipv6_loopback", "http://[::1]:8080/"},
	}

	guarded := HTTP{}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := guarded.Execute(context.Background(), newTask("http", fmt.Sprintf(`{"url": %q}`, tt.url)))
			wantCode(t, err, "blocked_url")
		})
	}
}

func TestHTTP_GuardStillChecksScheme(t *testing.T) {
	_, err := devHTTP.Execute(context.Background(), newTask("http", `{"url": "file:///etc/passwd"}`))
	wantCode(t, err, "blocked_url")
}
