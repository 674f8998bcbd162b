package dispatch

import (
	"net/url"
	"path"
	"strings"

	"github.com/elnormous/contenttype"
)

// Kind is the handling path chosen for an upstream URL.
type Kind int

const (
	KindMedia Kind = iota // opaque bytes, streamed through the cache tee
	KindHLS               // .m3u8, line rewritten
	KindDASH              // .mpd, XML rewritten
)

func (k Kind) String() string {
	switch k {
	case KindHLS:
		return "hls"
	case KindDASH:
		return "dash"
	default:
		return "media"
	}
}

// DefaultContentType is served when neither the extension nor the upstream says otherwise.
const DefaultContentType = "video/MP2T"

var extContentTypes = map[string]string{
	".m3u8": "application/vnd.apple.mpegurl",
	".mpd":  "application/dash+xml",
	".flv":  "video/x-flv",
	".mp4":  "video/mp4",
	".m4s":  "video/iso.segment",
	".ts":   DefaultContentType,
}

// ext returns the lower-cased extension of the URL path, ignoring query and fragment.
func ext(rawURL string) string {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		p = u.Path
	}
	return strings.ToLower(path.Ext(p))
}

// Classify decides how a URL is handled purely from its path suffix.
func Classify(rawURL string) Kind {
	switch ext(rawURL) {
	case ".m3u8":
		return KindHLS
	case ".mpd":
		return KindDASH
	default:
		return KindMedia
	}
}

// ContentType picks the response Content-Type: the extension map first, then
// the upstream's declared type, then MPEG-TS.
func ContentType(rawURL, upstream string) string {
	if ct, ok := extContentTypes[ext(rawURL)]; ok {
		return ct
	}
	if upstream = strings.TrimSpace(upstream); upstream != "" {
		mt, err := contenttype.ParseMediaType(upstream)
		if err == nil && mt.Type != "" && mt.Subtype != "" {
			return mt.String()
		}
	}
	return DefaultContentType
}
