package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Length", "11")
	io.WriteString(w, "hello relay")
})

func TestGzipCompressesWhenAccepted(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/playlist.m3u", nil)
	req.Header.Set("Accept-Encoding", "br, gzip;q=0.8")
	rec := httptest.NewRecorder()
	Gzip(okHandler).ServeHTTP(rec, req)

	assert.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))
	assert.Empty(t, rec.Header().Get("Content-Length"))

	zr, err := gzip.NewReader(rec.Body)
	require.NoError(t, err)
	body, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, "hello relay", string(body))
}

func TestGzipPassThrough(t *testing.T) {
	for _, enc := range []string{"", "identity", "gzip;q=0"} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if enc != "" {
			req.Header.Set("Accept-Encoding", enc)
		}
		rec := httptest.NewRecorder()
		Gzip(okHandler).ServeHTTP(rec, req)

		assert.Empty(t, rec.Header().Get("Content-Encoding"), enc)
		assert.Equal(t, "hello relay", rec.Body.String(), enc)
	}
}

func TestCORS(t *testing.T) {
	rec := httptest.NewRecorder()
	CORS(okHandler).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/proxy/channel/x", nil))
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "hello relay", rec.Body.String())

	req := httptest.NewRequest(http.MethodOptions, "/admin/sources", nil)
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec = httptest.NewRecorder()
	CORS(okHandler).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), "X-Auth-Key")
	assert.Empty(t, rec.Body.String())
}

func TestClientLimiterPerIP(t *testing.T) {
	h := NewClientLimiter(0.001, 2).Middleware(okHandler)

	call := func(ip, path string) int {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = ip + ":5000"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, call("10.0.0.1", "/playlist.m3u"))
	assert.Equal(t, http.StatusOK, call("10.0.0.1", "/playlist.m3u"))
	assert.Equal(t, http.StatusTooManyRequests, call("10.0.0.1", "/playlist.m3u"))
	assert.Equal(t, http.StatusOK, call("10.0.0.1", "/healthz"))
	assert.Equal(t, http.StatusOK, call("10.0.0.2", "/playlist.m3u"))
}

func TestClientLimiterDisabled(t *testing.T) {
	l := NewClientLimiter(0, 0)
	for i := 0; i < 100; i++ {
		require.True(t, l.Allow("10.0.0.1"))
	}
}

func TestAdminAuthPlainKey(t *testing.T) {
	h := AdminAuth("s3cret", "")(okHandler)

	for key, want := range map[string]int{"": 401, "wrong": 401, "s3cret": 200} {
		req := httptest.NewRequest(http.MethodPost, "/admin/sources", nil)
		if key != "" {
			req.Header.Set(AdminKeyHeader, key)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, want, rec.Code, key)
		if want == 401 {
			assert.JSONEq(t, `{"error":"unauthorized"}`, strings.TrimSpace(rec.Body.String()))
		}
	}
}

func TestAdminAuthHashWins(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hashed-key"), bcrypt.MinCost)
	require.NoError(t, err)
	h := AdminAuth("plain-key", string(hash))(okHandler)

	call := func(key string) int {
		req := httptest.NewRequest(http.MethodGet, "/admin/stats", nil)
		req.Header.Set(AdminKeyHeader, key)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}
	assert.Equal(t, http.StatusOK, call("hashed-key"))
	assert.Equal(t, http.StatusUnauthorized, call("plain-key"))
}
