package client

import (
	"crypto/tls"
	"crypto/x509"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog/log"
)

const DefaultTimeout = 30 * time.Second

// Options controls how NewHTTPClient builds its transport.
type Options struct {
	Timeout  time.Duration
	Insecure bool   // skip certificate verification (self-signed endpoints)
	CACert   string // optional PEM bundle used as root CAs
}

// NewHTTPClient returns an http.Client with a bounded overall timeout so an
// unresponsive endpoint can never hang a caller.
func NewHTTPClient(opts Options) *http.Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	tlsConfig := &tls.Config{InsecureSkipVerify: opts.Insecure}
	if opts.CACert != "" {
		if pool := loadCertPool(opts.CACert); pool != nil {
			tlsConfig.RootCAs = pool
		}
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			TLSClientConfig:   tlsConfig,
			DisableKeepAlives: true,
			DialContext: (&net.Dialer{
				Timeout:   timeout,
				KeepAlive: timeout,
			}).DialContext,
			TLSHandshakeTimeout:   timeout,
			ResponseHeaderTimeout: timeout,
		},
	}
}

func loadCertPool(certPath string) *x509.CertPool {
	cacert, err := os.ReadFile(certPath)
	if err != nil {
		log.Warn().Err(err).Str("path", certPath).Msg("failed to read CA cert; using system CAs")
		return nil
	}
	certPool := x509.NewCertPool()
	if !certPool.AppendCertsFromPEM(cacert) {
		log.Warn().Str("path", certPath).Msg("no certificates found in CA cert file; using system CAs")
		return nil
	}
	return certPool
}
