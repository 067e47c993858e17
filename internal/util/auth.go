package util

import (
	"fmt"
	"os"
	"strings"
)

const TokenKeyEnv = "UPSMON_TOKEN_KEY"

// LoadTokenKey() tries to load the key used to verify daemon bearer tokens
// from an environment variable, then a file, then the configured value, in
// that order. If loading the key fails with one option, it will fallback to
// the next option until all options are exhausted.
//
// Returns an empty key with no error when nothing is configured; the daemon
// then serves without authentication.
func LoadTokenKey(path, configured string) ([]byte, error) {
	if key := os.Getenv(TokenKeyEnv); key != "" {
		return []byte(key), nil
	}

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read token key file: %w", err)
		}
		if key := strings.TrimSpace(string(b)); key != "" {
			return []byte(key), nil
		}
	}

	return []byte(configured), nil
}
