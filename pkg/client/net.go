package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"
)

// HTTP aliases for readibility
type HTTPHeader map[string]string
type HTTPBody []byte

func (h HTTPHeader) SessionToken(name, token string) HTTPHeader {
	if token != "" {
		h[name] = token
	}
	return h
}

func (h HTTPHeader) BasicAuth(username, password string) HTTPHeader {
	req := http.Request{Header: http.Header{}}
	req.SetBasicAuth(username, password)
	h["Authorization"] = req.Header.Get("Authorization")
	return h
}

func (h HTTPHeader) ContentType(contentType string) HTTPHeader {
	h["Content-Type"] = contentType
	return h
}

// StatusOK reports whether res carries a 2xx status.
func StatusOK(res *http.Response) bool {
	return res != nil && res.StatusCode >= 200 && res.StatusCode < 300
}

// MakeRequest() is a wrapper function that condenses simple HTTP
// requests done to a single call. It expects a HTTP client, URL, HTTP
// method, request body, and request headers. The context bounds the
// whole exchange including reading the body.
//
// Returns a HTTP response object, response body as byte array, and any
// error that may have occurred with making the request.
func MakeRequest(ctx context.Context, client *http.Client, url string, httpMethod string, body HTTPBody, header HTTPHeader) (*http.Response, HTTPBody, error) {
	if client == nil {
		client = NewHTTPClient(Options{Insecure: true})
	}
	req, err := http.NewRequestWithContext(ctx, httpMethod, url, bytes.NewBuffer(body))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create new HTTP request: %w", err)
	}
	req.Header.Add("User-Agent", "upsmon")
	for k, v := range header {
		req.Header.Add(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer func() {
		if err := res.Body.Close(); err != nil {
			log.Warn().Err(err).Msg("could not close response resource")
		}
	}()
	b, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return res, b, nil
}
