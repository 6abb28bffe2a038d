package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"
)

// ErrBlockedAddress is returned when a URL or connection targets a
// loopback, private, link-local or unspecified address.
var ErrBlockedAddress = errors.New("address is not allowed")

var blockedHosts = []string{"localhost", "metadata.google.internal", "metadata.google"}

// ValidateEndpointURL checks that a URL registered for server-side requests
// is absolute http(s) and does not name a local host or a blocked IP literal.
// Hostnames are not resolved here; SafeClient checks the resolved address at
// dial time.
func ValidateEndpointURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format")
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("URL scheme must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}

	host := strings.ToLower(u.Hostname())
	for _, b := range blockedHosts {
		if host == b {
			return fmt.Errorf("URL host %q is not allowed", host)
		}
	}
	if strings.HasSuffix(host, ".localhost") || strings.HasSuffix(host, ".internal") {
		return fmt.Errorf("URL host %q is not allowed", host)
	}

	if ip := net.ParseIP(host); ip != nil {
		return checkIP(ip)
	}
	return nil
}

func checkIP(ip net.IP) error {
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("loopback %w", ErrBlockedAddress)
	case ip.IsPrivate():
		return fmt.Errorf("private %w", ErrBlockedAddress)
	case ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast():
		return fmt.Errorf("link-local %w", ErrBlockedAddress)
	case ip.IsUnspecified() || ip.IsMulticast():
		return fmt.Errorf("unspecified or multicast %w", ErrBlockedAddress)
	}
	return nil
}

// dialControl rejects connections to blocked addresses after DNS resolution.
func dialControl(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return fmt.Errorf("unresolved address %q", host)
	}
	return checkIP(ip)
}

// SafeClient returns an HTTP client that refuses to connect to blocked
// addresses, whatever the URL's hostname resolves to. Redirects are not
// followed.
func SafeClient(timeout time.Duration) *http.Client {
	dialer := &net.Dialer{Timeout: 5 * time.Second, Control: dialControl}
	transport := &http.Transport{
		Proxy: nil,
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, addr)
		},
		MaxIdleConns:          20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: timeout,
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}
