package health

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"
)

// Prober is the network side of the gate.
type Prober interface {
	Dial(ctx context.Context, addr string) error
	Get(ctx context.Context, rawURL string) (int, error)
}

// HTTPProber dials and issues health requests. Certificate verification is
// disabled for loopback hosts only; other hosts are verified against CAFile
// when set, otherwise against the system roots.
type HTTPProber struct {
	Timeout time.Duration
	CAFile  string

	loopback *http.Client
	verified *http.Client
}

// NewHTTPProber creates a prober.
func NewHTTPProber(timeout time.Duration, caFile string) (*HTTPProber, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	p := &HTTPProber{Timeout: timeout, CAFile: caFile}

	verifiedTLS := &tls.Config{MinVersion: tls.VersionTLS12}
	if caFile != "" {
		pem, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("read CA %s: %w", caFile, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in %s", caFile)
		}
		verifiedTLS.RootCAs = pool
	}

	p.loopback = &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, // loopback only
		},
	}
	p.verified = &http.Client{
		Timeout:   timeout,
		Transport: &http.Transport{TLSClientConfig: verifiedTLS},
	}
	return p, nil
}

// Dial opens and closes a TCP connection to addr.
func (p *HTTPProber) Dial(ctx context.Context, addr string) error {
	d := net.Dialer{Timeout: p.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

// Get issues a GET and returns the status code.
func (p *HTTPProber) Get(ctx context.Context, rawURL string) (int, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", rawURL, err)
	}
	client := p.verified
	if IsLoopback(u.Hostname()) {
		client = p.loopback
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return resp.StatusCode, nil
}

// IsLoopback reports whether host names the local machine.
func IsLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
