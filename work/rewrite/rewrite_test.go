package rewrite

import (
	"errors"
	"net/url"
	"strings"
	"testing"

	"github.com/grafana/regexp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCtx(t *testing.T, source string) *Context {
	t.Helper()
	c, err := NewContext(source, "http://relay:8080/", "news")
	require.NoError(t, err)
	return c
}

// upstreamOf extracts and decodes the url parameter of a proxy segment URL.
func upstreamOf(t *testing.T, proxied string) string {
	t.Helper()
	require.True(t, strings.HasPrefix(proxied, "http://relay:8080/proxy/segment/news?url="), proxied)
	u, err := url.Parse(proxied)
	require.NoError(t, err)
	return u.Query().Get("url")
}

func TestResolve(t *testing.T) {
	c := newCtx(t, "https://h/dir/sub/play.m3u8")
	assert.Equal(t, "https://h/dir/sub/seg1.ts", c.Resolve("seg1.ts"))
	assert.Equal(t, "https://h/abs/seg1.ts", c.Resolve("/abs/seg1.ts"))
	assert.Equal(t, "https://other/seg1.ts", c.Resolve("https://other/seg1.ts"))
	assert.Equal(t, "https://h/dir/sub/low/index.m3u8?x=1", c.Resolve("low/index.m3u8?x=1"))
}

func TestResolveIgnoresSourceQuery(t *testing.T) {
	c := newCtx(t, "https://h:8443/live/ch1/index.m3u8?token=abc")
	assert.Equal(t, "https://h:8443/live/ch1/000.ts", c.Resolve("000.ts"))
	assert.Equal(t, "https://h:8443/root.ts", c.Resolve("/root.ts"))
}

func TestResolveURLRejectsRelativeSource(t *testing.T) {
	_, err := ResolveURL("dir/play.m3u8", "seg.ts")
	assert.Error(t, err)

	got, err := ResolveURL("http://h/a/b.m3u8", "c.ts")
	require.NoError(t, err)
	assert.Equal(t, "http://h/a/c.ts", got)
}

func TestSegmentURLEncoding(t *testing.T) {
	got := SegmentURL("http://relay/", "CCTV 1", "https://h/a.ts?x=1&y=2")
	assert.Equal(t, "http://relay/proxy/segment/CCTV%201?url=https%3A%2F%2Fh%2Fa.ts%3Fx%3D1%26y%3D2", got)
}

func TestRewriteHLSMediaPlaylist(t *testing.T) {
	c := newCtx(t, "https://h/dir/sub/play.m3u8")
	in := strings.Join([]string{
		"#EXTM3U",
		"#EXT-X-VERSION:3",
		"#EXT-X-TARGETDURATION:6",
		"",
		"#EXTINF:6.0,",
		"seg1.ts",
		"#EXTINF:6.0,",
		"/abs/seg2.ts",
		"#EXTINF:6.0,",
		"https://other/seg3.ts",
		"#EXT-X-ENDLIST",
		"",
	}, "\n")

	out, n := RewriteHLS(c, []byte(in))
	assert.Equal(t, 3, n)

	inLines := strings.Split(in, "\n")
	outLines := strings.Split(string(out), "\n")
	require.Len(t, outLines, len(inLines))

	var upstreams []string
	for i, line := range inLines {
		if line == "" || strings.HasPrefix(line, "#") {
			assert.Equal(t, line, outLines[i], "line %d must be preserved", i)
			continue
		}
		upstreams = append(upstreams, upstreamOf(t, outLines[i]))
	}
	assert.Equal(t, []string{
		"https://h/dir/sub/seg1.ts",
		"https://h/abs/seg2.ts",
		"https://other/seg3.ts",
	}, upstreams)
}

func TestRewriteHLSMasterPlaylistAndCRLF(t *testing.T) {
	c := newCtx(t, "http://h/master.m3u8")
	in := "#EXTM3U\r\n#EXT-X-STREAM-INF:BANDWIDTH=800000\r\nlow/index.m3u8\r\n#EXT-X-STREAM-INF:BANDWIDTH=2000000\r\nhigh/index.m3u8\r\n"

	out, n := RewriteHLS(c, []byte(in))
	assert.Equal(t, 2, n)

	lines := strings.Split(string(out), "\r\n")
	assert.Equal(t, "#EXTM3U", lines[0])
	assert.Equal(t, "#EXT-X-STREAM-INF:BANDWIDTH=800000", lines[1])
	assert.Equal(t, "http://h/low/index.m3u8", upstreamOf(t, lines[2]))
	assert.Equal(t, "http://h/high/index.m3u8", upstreamOf(t, lines[4]))
	assert.True(t, strings.HasSuffix(string(out), "\r\n"))
}

func TestRewriteHLSKeepsDirectiveURIs(t *testing.T) {
	c := newCtx(t, "http://h/live/index.m3u8")
	in := "#EXTM3U\n#EXT-X-KEY:METHOD=AES-128,URI=\"key.bin\"\n#EXTINF:4,\na.ts"
	out, n := RewriteHLS(c, []byte(in))
	assert.Equal(t, 1, n)
	assert.Contains(t, string(out), "#EXT-X-KEY:METHOD=AES-128,URI=\"key.bin\"\n")
	assert.False(t, strings.HasSuffix(string(out), "\n"))
}

const mpd = `<?xml version="1.0" encoding="UTF-8"?>
<MPD xmlns="urn:mpeg:dash:schema:mpd:2011" xmlns:x="urn:example" type="dynamic">
  <Period id="1">
    <AdaptationSet mimeType="video/mp4">
      <Representation id="v1" bandwidth="800000">
        <SegmentList duration="4">
          <Initialization sourceURL="init.mp4"/>
          <SegmentURL media="seg1.m4s"/>
        </SegmentList>
      </Representation>
      <Representation id="v2" bandwidth="2000000">
        <SegmentList duration="4">
          <Initialization x:sourceURL="/abs/init-hd.mp4"/>
        </SegmentList>
      </Representation>
    </AdaptationSet>
    <AdaptationSet mimeType="audio/mp4">
      <Representation id="a1">
        <SegmentBase><Initialization sourceURL="https://cdn.example/a.mp4?k=1&amp;v=2"/></SegmentBase>
      </Representation>
    </AdaptationSet>
  </Period>
</MPD>`

var sourceURLValue = regexp.MustCompile(`sourceURL="([^"]*)"`)

func TestRewriteDASHStructured(t *testing.T) {
	c := newCtx(t, "https://origin/live/ch/manifest.mpd")
	res := RewriteDASH(c, []byte(mpd))
	require.NoError(t, res.Fallback)
	assert.Equal(t, 3, res.Rewritten)

	matches := sourceURLValue.FindAllStringSubmatch(string(res.Body), -1)
	require.Len(t, matches, 3)

	var upstreams []string
	for _, m := range matches {
		upstreams = append(upstreams, upstreamOf(t, unescapeAttr(m[1])))
	}
	assert.Equal(t, []string{
		"https://origin/live/ch/init.mp4",
		"https://origin/abs/init-hd.mp4",
		"https://cdn.example/a.mp4?k=1&v=2",
	}, upstreams)
	assert.Contains(t, string(res.Body), `media="seg1.m4s"`)
}

func TestRewriteDASHFallsBackOnMalformedXML(t *testing.T) {
	c := newCtx(t, "https://origin/live/ch/manifest.mpd")
	broken := `<MPD><Period><Initialization sourceURL="init.mp4"/><Initialization sourceURL="/x/b.mp4"/></MPD>`

	res := RewriteDASH(c, []byte(broken))
	require.Error(t, res.Fallback)
	assert.True(t, errors.Is(res.Fallback, ErrManifestParse))
	assert.Equal(t, 2, res.Rewritten)

	matches := sourceURLValue.FindAllStringSubmatch(string(res.Body), -1)
	require.Len(t, matches, 2)
	assert.Equal(t, "https://origin/live/ch/init.mp4", upstreamOf(t, unescapeAttr(matches[0][1])))
	assert.Equal(t, "https://origin/x/b.mp4", upstreamOf(t, unescapeAttr(matches[1][1])))
}

func TestRewriteDASHEmptyBody(t *testing.T) {
	c := newCtx(t, "https://origin/m.mpd")
	res := RewriteDASH(c, nil)
	assert.ErrorIs(t, res.Fallback, ErrManifestParse)
	assert.Equal(t, 0, res.Rewritten)
	assert.Empty(t, res.Body)
}

func unescapeAttr(s string) string {
	return strings.NewReplacer("&amp;", "&", "&quot;", `"`, "&lt;", "<").Replace(s)
}
