package rewrite

import (
	"strings"
)

// RewriteHLS replaces every reference line of a playlist with a proxy segment
// URL. Directive, comment and blank lines pass through verbatim and line order
// is kept, so master and media playlists are handled alike. It returns the
// rewritten playlist and the number of references replaced.
func RewriteHLS(c *Context, body []byte) ([]byte, int) {
	lines := strings.Split(string(body), "\n")
	rewritten := 0

	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}

		replacement := c.ProxyURL(trimmed)
		if strings.HasSuffix(line, "\r") {
			replacement += "\r"
		}
		lines[i] = replacement
		rewritten++
	}

	return []byte(strings.Join(lines, "\n")), rewritten
}
