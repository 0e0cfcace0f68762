package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/weftlabs/weft/common/model"
)

const (
	defaultHTTPTimeout = 30 * time.Second

	// maxResponseBytes caps the captured body so results stay well under
	// the gateway's frame limit.
	maxResponseBytes = 256 << 10
)

// HTTP fetches a URL and reports {"status", "body"}. Destinations that
// resolve to loopback, private or link-local addresses are refused unless
// AllowPrivate is set, so workflow authors cannot point a fetch at the
// control plane's own network.
type HTTP struct {
	// AllowPrivate disables the address guard. Dev and tests only.
	AllowPrivate bool

	// Client overrides the default HTTP client when set.
	Client *http.Client
}

func (HTTP) Kind() string { return "http" }

func (e HTTP) Execute(ctx context.Context, task *Task) (json.RawMessage, error) {
	params := gjson.ParseBytes(task.Parameters)

	rawURL := params.Get("url").String()
	if rawURL == "" {
		return nil, Fail("bad_parameters", "http requires a url parameter")
	}
	if err := e.checkTarget(rawURL); err != nil {
		return nil, err
	}

	method := strings.ToUpper(params.Get("method").String())
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if b := params.Get("body"); b.Exists() {
		if b.Type == gjson.String {
			body = strings.NewReader(b.String())
		} else {
			body = strings.NewReader(b.Raw)
		}
	}

	timeout := defaultHTTPTimeout
	if ms := params.Get("timeout_ms").Int(); ms > 0 {
		timeout = time.Duration(ms) * time.Millisecond
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, rawURL, body)
	if err != nil {
		return nil, Fail("bad_parameters", "invalid request: %v", err)
	}
	params.Get("headers").ForEach(func(k, v gjson.Result) bool {
		req.Header.Set(k.String(), v.String())
		return true
	})
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	client := e.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, Fail("http_error", "request failed: %v", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, Fail("http_error", "read body: %v", err)
	}

	out := []byte(fmt.Sprintf(`{"status":%d}`, resp.StatusCode))
	if json.Valid(data) && strings.Contains(resp.Header.Get("Content-Type"), "json") {
		out, err = sjson.SetRawBytes(out, "body", data)
	} else {
		out, err = sjson.SetBytes(out, "body", string(data))
	}
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		return nil, &model.NodeError{
			Code:    "http_status",
			Message: fmt.Sprintf("%s %s returned %d", method, req.URL.Host, resp.StatusCode),
			Details: out,
		}
	}
	return out, nil
}

var blockedHostnames = map[string]struct{}{
	"localhost":        {},
	"127.0.0.1":        {},
	"::1":              {},
	"0.0.0.0":          {},
	"::":               {},
	"::ffff:127.0.0.1": {},
}

// checkTarget rejects URLs whose scheme or destination could reach the
// worker's own network. A failed DNS lookup passes: the request itself will
// surface the error.
func (e HTTP) checkTarget(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Fail("blocked_url", "invalid url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Fail("blocked_url", "scheme %q not allowed", u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return Fail("blocked_url", "url has no host")
	}
	if e.AllowPrivate {
		return nil
	}
	if _, blocked := blockedHostnames[host]; blocked {
		return Fail("blocked_url", "host %q is not allowed", host)
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return nil
	}
	for _, ip := range ips {
		if class := blockedAddress(ip); class != "" {
			return Fail("blocked_url", "host %q resolves to %s address %s", host, class, ip)
		}
	}
	return nil
}

func blockedAddress(ip net.IP) string {
	switch {
	case ip.IsLoopback():
		return "loopback"
	case ip.IsPrivate():
		return "private"
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return "link-local"
	case ip.IsMulticast():
		return "multicast"
	case ip.IsUnspecified():
		return "unspecified"
	}
	return ""
}
