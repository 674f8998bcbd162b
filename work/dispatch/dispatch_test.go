package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	cases := map[string]Kind{
		"http://h/live/index.m3u8":         KindHLS,
		"http://h/live/INDEX.M3U8?token=1": KindHLS,
		"http://h/manifest.mpd":            KindDASH,
		"http://h/manifest.mpd#t=10":       KindDASH,
		"http://h/seg/001.ts":              KindMedia,
		"http://h/stream.flv":              KindMedia,
		"http://h/video.mp4":               KindMedia,
		"http://h/play?file=index.m3u8":    KindMedia,
		"http://h/channel":                 KindMedia,
		"http://h/index.m3u8.bak":          KindMedia,
	}
	for in, want := range cases {
		assert.Equal(t, want, Classify(in), in)
	}
	assert.Equal(t, "dash", KindDASH.String())
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "application/vnd.apple.mpegurl", ContentType("http://h/a.m3u8", "text/plain"))
	assert.Equal(t, "application/dash+xml", ContentType("http://h/a.mpd", ""))
	assert.Equal(t, "video/x-flv", ContentType("http://h/a.flv", ""))
	assert.Equal(t, "video/mp4", ContentType("http://h/a.mp4", ""))
	assert.Equal(t, "video/iso.segment", ContentType("http://h/a.m4s", ""))
	assert.Equal(t, "video/MP2T", ContentType("http://h/a.ts", "application/octet-stream"))

	assert.Equal(t, "audio/aac", ContentType("http://h/a.aac", "audio/aac"))
	assert.Equal(t, "video/MP2T", ContentType("http://h/live", ""))
	assert.Equal(t, "video/MP2T", ContentType("http://h/live", "garbage"))
}
