package hlsengine

import (
	"fmt"
	"net/url"
	"strings"
)

// rewriteMedia turns an origin media playlist into the loopback playlist
// served to the surface. Segment lines become "seg/<n>" in playlist order
// and are returned as absolute origin URLs with the same indices. URI
// attributes of tags (keys, init maps) are made absolute so the surface
// fetches them from the origin directly.
func rewriteMedia(body, playlistURL string) (string, []string) {
	lines := strings.Split(strings.ReplaceAll(body, "\r\n", "\n"), "\n")
	out := make([]string, 0, len(lines))
	var segments []string
	for _, line := range lines {
		trim := strings.TrimSpace(line)
		if trim == "" || strings.HasPrefix(trim, "#") {
			if strings.Contains(trim, `URI="`) {
				line = absolutizeURITag(line, playlistURL)
			}
			out = append(out, line)
			continue
		}
		out = append(out, fmt.Sprintf("seg/%d", len(segments)))
		segments = append(segments, resolveURL(playlistURL, trim))
	}
	return strings.Join(out, "\n"), segments
}

func absolutizeURITag(line, baseURL string) string {
	start := strings.Index(line, `URI="`)
	if start == -1 {
		return line
	}
	start += len(`URI="`)
	end := strings.Index(line[start:], `"`)
	if end == -1 {
		return line
	}
	uri := line[start : start+end]
	return line[:start] + resolveURL(baseURL, uri) + line[start+end:]
}

func resolveURL(baseURL, ref string) string {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(r).String()
}
