package utils

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPClientSetsHeadersAndToken(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
	}))
	defer srv.Close()

	client := NewHTTPClient(HTTPClientConfig{
		UserAgent:   "tester",
		Headers:     map[string]string{"X-Relay": "1"},
		BearerToken: "secret",
	})
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "tester", got.Get("User-Agent"))
	assert.Equal(t, "1", got.Get("X-Relay"))
	assert.Equal(t, "Bearer secret", got.Get("Authorization"))
}

func TestHTTPClientDefaultUserAgent(t *testing.T) {
	var ua string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ua = r.UserAgent()
	}))
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	resp, err := NewHTTPClient(HTTPClientConfig{HighThreadMode: true}).Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, ToolUserAgent, ua)
}

func TestSplitProxyAuth(t *testing.T) {
	cfg := HTTPClientConfig{ProxyURL: "http://bob:pw@proxy.local:8080"}
	SplitProxyAuth(&cfg)
	assert.Equal(t, "bob", cfg.ProxyUsername)
	assert.Equal(t, "pw", cfg.ProxyPassword)
	assert.Equal(t, "http://proxy.local:8080", cfg.ProxyURL)
}

func TestParseHeaderArgs(t *testing.T) {
	h := ParseHeaderArgs([]string{"Referer: https://a.b/c", "broken", "X-A:1"})
	assert.Equal(t, map[string]string{"Referer": "https://a.b/c", "X-A": "1"}, h)
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", FormatBytes(512))
	assert.Equal(t, "1.50 KB", FormatBytes(1536))
	assert.Equal(t, "100.00 MB", FormatBytes(100*1024*1024))
	assert.Equal(t, "2.00 MB/s", FormatSpeed(4*1024*1024, 2))
	assert.Equal(t, "0 B/s", FormatSpeed(10, 0))
}

func TestSanitizeFilename(t *testing.T) {
	assert.Equal(t, "a_b_c", SanitizeFilename("a/b:c"))
	assert.Equal(t, "video", SanitizeFilename("  ..  "))
}

func TestRenewOutputPath(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "clip.mp4")
	require.NoError(t, os.WriteFile(p, nil, 0644))
	assert.Equal(t, filepath.Join(dir, "clip-(1).mp4"), RenewOutputPath(p))
}

func TestClean(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "clip.mp4")
	require.NoError(t, os.MkdirAll(out+SegmentsSuffix, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(out+SegmentsSuffix, "segment_0.tmp"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(out+MergingSuffix, []byte("x"), 0644))

	n, err := Clean(out)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoDirExists(t, out+SegmentsSuffix)
	assert.NoFileExists(t, out+MergingSuffix)
}

func TestCleanDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.mp4.part"), nil, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "keep.mp4"), nil, 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "b.mp4.segments"), 0755))

	n, err := CleanDir(dir)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.FileExists(t, filepath.Join(dir, "keep.mp4"))
}
