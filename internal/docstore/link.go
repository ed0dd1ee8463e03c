package docstore

import (
	"fmt"
	"net/url"
	"strings"
)

// ParseLink extracts the document id from a shareable link such as
// https://docs.google.com/presentation/d/<id>/edit?usp=sharing. The id is the
// path segment just before the last one. A bare id is returned unchanged.
func ParseLink(link string) (SourceID, error) {
	link = strings.TrimSpace(link)
	if link == "" {
		return "", fmt.Errorf("presentation link is required")
	}
	if !strings.Contains(link, "/") {
		return SourceID(link), nil
	}
	u, err := url.Parse(link)
	if err != nil {
		return "", fmt.Errorf("parse presentation link: %w", err)
	}
	segs := strings.Split(u.Path, "/")
	if len(segs) < 2 || segs[len(segs)-2] == "" {
		return "", fmt.Errorf("presentation link %q has no document id", link)
	}
	return SourceID(segs[len(segs)-2]), nil
}
