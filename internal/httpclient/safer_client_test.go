package httpclient

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/imgbatch/errors"
)

func TestNew_Defaults(t *testing.T) {
	client := New(30*time.Second, Options{})

	assert.Equal(t, 30*time.Second, client.Timeout)
	assert.Equal(t, 10, client.maxRedirects)
	assert.True(t, client.blockPrivateIP)
	assert.Nil(t, client.limiter, "no limiter unless a rate is configured")
	assert.Equal(t, []string{"http", "https"}, client.allowedSchemes)
}

func TestValidateURL(t *testing.T) {
	client := New(30*time.Second, Options{})

	tests := []struct {
		name        string
		url         string
		errContains string
	}{
		{name: "https allowed", url: "https://example.com/path"},
		{name: "http allowed", url: "http://example.com"},
		{name: "public IP allowed", url: "http://8.8.8.8/"},
		{name: "file scheme", url: "file:///etc/passwd", errContains: "scheme"},
		{name: "ftp scheme", url: "ftp://example.com", errContains: "scheme"},
		{name: "localhost", url: "http://localhost/admin", errContains: "localhost"},
		{name: "localhost subdomain", url: "http://admin.localhost/", errContains: "localhost"},
		{name: "loopback", url: "http://127.0.0.1/", errContains: "private IP"},
		{name: "10.x", url: "http://10.0.0.1/", errContains: "private IP"},
		{name: "metadata endpoint", url: "http://169.254.169.254/latest", errContains: "private IP"},
		{name: "ipv6 loopback", url: "http://[::1]:8080/", errContains: "private IP"},
		{name: "userinfo", url: "http://evil.com@localhost/", errContains: "userinfo"},
		{name: "missing host", url: "http:///path", errContains: "hostname"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := client.ValidateURL(tt.url)
			if tt.errContains == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errContains)
		})
	}
}

func TestIsPrivateIP(t *testing.T) {
	tests := []struct {
		ip        string
		isPrivate bool
	}{
		{"10.255.255.255", true},
		{"172.31.255.255", true},
		{"192.168.0.1", true},
		{"127.0.0.1", true},
		{"169.254.169.254", true},
		{"100.64.0.1", true},
		{"0.0.0.0", true},
		{"224.0.0.1", true},
		{"::ffff:10.0.0.1", true}, // IPv4-mapped
		{"::1", true},
		{"fe80::1", true},
		{"fd12:3456::1", true},
		{"2001:db8::1", true},

		{"8.8.8.8", false},
		{"93.184.216.34", false},
		{"172.32.0.1", false},
		{"2001:4860:4860::8888", false},
	}

	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			ip := net.ParseIP(tt.ip)
			require.NotNil(t, ip)
			assert.Equal(t, tt.isPrivate, isPrivateIP(ip))
		})
	}
}

func TestIsLocalhost(t *testing.T) {
	assert.True(t, isLocalhost("LOCALHOST"))
	assert.True(t, isLocalhost("localhost.localdomain"))
	assert.True(t, isLocalhost("cdn.localhost"))
	assert.False(t, isLocalhost("local.host"))
	assert.False(t, isLocalhost("example.com"))
}

func TestDo_BlocksPrivateTargets(t *testing.T) {
	client := New(5*time.Second, Options{})

	req, err := http.NewRequest(http.MethodGet, "http://localhost/", nil)
	require.NoError(t, err)

	resp, err := client.Do(req)
	if err == nil {
		resp.Body.Close()
	}
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SSRF protection")
}

func TestDo_RedirectToPrivateBlocked(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://localhost/admin", http.StatusFound)
	}))
	defer server.Close()

	client := New(5*time.Second, Options{AllowPrivateNetworks: true})
	// The test server itself lives on loopback; only the redirect hop is checked strictly
	client.blockPrivateIP = true

	req, err := http.NewRequest(http.MethodGet, server.URL, nil)
	require.NoError(t, err)
	resp, err := client.Client.Do(req)
	if err == nil {
		resp.Body.Close()
	}
	require.Error(t, err)
	assert.Contains(t, strings.ToLower(err.Error()), "redirect blocked")
}

func TestDo_MaxRedirects(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/again", http.StatusFound)
	}))
	defer server.Close()

	client := New(5*time.Second, Options{AllowPrivateNetworks: true, MaxRedirects: 3})

	resp, err := client.Get(context.Background(), server.URL)
	if err == nil {
		resp.Body.Close()
	}
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stopped after 3 redirects")
}

func TestDo_RateLimited(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	// One token per second with burst 1: the second request must wait
	client := New(5*time.Second, Options{AllowPrivateNetworks: true, RequestsPerSecond: 1})

	resp, err := client.Get(context.Background(), server.URL)
	require.NoError(t, err)
	resp.Body.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = client.Get(ctx, server.URL)
	require.Error(t, err, "second request should not get a token within 50ms")
	assert.Equal(t, int32(1), hits.Load())
}

func TestReadBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", 64)))
	}))
	defer server.Close()

	t.Run("within limit", func(t *testing.T) {
		client := New(5*time.Second, Options{AllowPrivateNetworks: true, MaxResponseBytes: 64})
		resp, err := client.Get(context.Background(), server.URL)
		require.NoError(t, err)

		data, err := client.ReadBody(resp)
		require.NoError(t, err)
		assert.Len(t, data, 64)
	})

	t.Run("over limit", func(t *testing.T) {
		client := New(5*time.Second, Options{AllowPrivateNetworks: true, MaxResponseBytes: 16})
		resp, err := client.Get(context.Background(), server.URL)
		require.NoError(t, err)

		_, err = client.ReadBody(resp)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrResponseTooLarge))
	})
}
