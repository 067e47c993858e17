package url

import (
	"fmt"
	"net/url"
	"strings"
)

// Sanitize parses an endpoint URL and tidies its path: trailing slashes are
// removed and doubled slashes collapsed. A URL without a scheme gets
// defaultScheme.
func Sanitize(uri, defaultScheme string) (string, error) {
	if !strings.Contains(uri, "://") && defaultScheme != "" {
		uri = defaultScheme + "://" + uri
	}
	parsedURI, err := url.ParseRequestURI(uri)
	if err != nil {
		return "", fmt.Errorf("failed to parse URI: %w", err)
	}
	if parsedURI.Host == "" {
		return "", fmt.Errorf("no host in URI %q", uri)
	}
	parsedURI.Path = strings.TrimSuffix(parsedURI.Path, "/")
	for strings.Contains(parsedURI.Path, "//") {
		parsedURI.Path = strings.ReplaceAll(parsedURI.Path, "//", "/")
	}
	return parsedURI.String(), nil
}
