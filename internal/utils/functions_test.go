package utils

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		input    uint64
		expected string
	}{
		{0, "0 B"},
		{100, "100 B"},
		{1024, "1.00 KB"},
		{1536, "1.50 KB"},
		{1024 * 1024, "1.00 MB"},
		{63 * 1000 * 1000, "60.08 MB"},
	}
	for _, tt := range tests {
		if result := FormatBytes(tt.input); result != tt.expected {
			t.Errorf("FormatBytes(%d) = %q, want %q", tt.input, result, tt.expected)
		}
	}
}

func TestFormatSpeed(t *testing.T) {
	if got := FormatSpeed(2048, 2); got != "1.00 KB/s" {
		t.Errorf("FormatSpeed = %q, want %q", got, "1.00 KB/s")
	}
	if got := FormatSpeed(2048, 0); got != "0 B/s" {
		t.Errorf("FormatSpeed with zero elapsed = %q", got)
	}
}

func TestMegabytesPerSecond(t *testing.T) {
	if got := MegabytesPerSecond(10_000_000, 2); got != 5 {
		t.Errorf("MegabytesPerSecond = %v, want 5", got)
	}
	if got := MegabytesPerSecond(10, 0); got != 0 {
		t.Errorf("MegabytesPerSecond with zero elapsed = %v", got)
	}
}

func TestParseHeaderArgs(t *testing.T) {
	got := ParseHeaderArgs([]string{"X-One: 1", "bad", "X-Two:two:parts"})
	if len(got) != 2 {
		t.Fatalf("expected 2 headers, got %d", len(got))
	}
	if got["X-One"] != "1" || got["X-Two"] != "two:parts" {
		t.Errorf("unexpected headers: %v", got)
	}
}

func TestClientSetsHeaders(t *testing.T) {
	var seen http.Header
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
	}))
	defer server.Close()

	client := NewBucketHTTPClient(HTTPClientConfig{Headers: map[string]string{"X-Extra": "yes"}})
	req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()

	if seen.Get("User-Agent") != ToolUserAgent {
		t.Errorf("User-Agent = %q", seen.Get("User-Agent"))
	}
	if seen.Get("X-Extra") != "yes" {
		t.Errorf("missing custom header")
	}
	if seen.Get(HeaderRequestID) == "" {
		t.Errorf("missing request id")
	}
}

func TestClientKeepAliveTimeout(t *testing.T) {
	tests := []struct {
		configured time.Duration
		expected   time.Duration
	}{
		{0, 90 * time.Second},
		{15 * time.Second, 15 * time.Second},
	}
	for _, test := range tests {
		client := NewBucketHTTPClient(HTTPClientConfig{KATimeout: test.configured})
		transport, ok := client.client.Transport.(*http.Transport)
		if !ok {
			t.Fatalf("unexpected transport %T", client.client.Transport)
		}
		if transport.IdleConnTimeout != test.expected {
			t.Errorf("KATimeout %v: IdleConnTimeout = %v, expected %v", test.configured, transport.IdleConnTimeout, test.expected)
		}
	}
}

func TestClientProxyFromEnvironment(t *testing.T) {
	client := NewBucketHTTPClient(HTTPClientConfig{})
	transport := client.client.Transport.(*http.Transport)
	if transport.Proxy == nil {
		t.Fatal("transport should consult the environment for a proxy")
	}

	client = NewBucketHTTPClient(HTTPClientConfig{ProxyURL: "http://proxy.example.com:3128", ProxyUsername: "alice"})
	transport = client.client.Transport.(*http.Transport)
	req, _ := http.NewRequest(http.MethodGet, "http://dist.example.com/", nil)
	proxy, err := transport.Proxy(req)
	if err != nil {
		t.Fatal(err)
	}
	if proxy.Host != "proxy.example.com:3128" || proxy.User.Username() != "alice" {
		t.Errorf("configured proxy not used, got %v", proxy)
	}
}
