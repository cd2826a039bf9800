package httpapi

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestExtractRealIP(t *testing.T) {
	tests := []struct {
		name       string
		xff        string
		xri        string
		remoteAddr string
		want       string
	}{
		{"forwarded-for wins", "203.0.113.7, 10.0.0.1", "198.51.100.2", "192.0.2.1:5000", "203.0.113.7"},
		{"real-ip next", "", "198.51.100.2", "192.0.2.1:5000", "198.51.100.2"},
		{"socket host", "", "", "192.0.2.1:5000", "192.0.2.1"},
		{"unparseable remote addr kept", "", "", "pipe", "pipe"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("POST", "/mcp", nil)
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xri != "" {
				r.Header.Set("X-Real-IP", tt.xri)
			}
			r.RemoteAddr = tt.remoteAddr

			if got := extractRealIP(r); got != tt.want {
				t.Errorf("extractRealIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExtractRealIPFallsBackToUserAgentHash(t *testing.T) {
	request := func(ua string) string {
		r := httptest.NewRequest("POST", "/mcp", nil)
		r.RemoteAddr = ""
		r.Header.Set("User-Agent", ua)
		return extractRealIP(r)
	}

	first := request("client-a/1.0")
	if !strings.HasPrefix(first, "ua-") {
		t.Fatalf("fallback id = %q, want a ua- prefixed hash", first)
	}
	if again := request("client-a/1.0"); again != first {
		t.Errorf("same user agent hashed differently: %q vs %q", first, again)
	}
	if other := request("client-b/2.0"); other == first {
		t.Errorf("distinct user agents share the id %q", first)
	}
}
