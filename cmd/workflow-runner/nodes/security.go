package nodes

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// URLValidator guards outbound HTTP node requests against SSRF: only
// http/https, no loopback, private, link-local, multicast or
// unspecified destinations.
type URLValidator struct {
	allowedSchemes map[string]bool
}

// NewURLValidator creates a URL validator.
func NewURLValidator() *URLValidator {
	return &URLValidator{
		allowedSchemes: map[string]bool{
			"http":  true,
			"https": true,
		},
	}
}

// Validate checks scheme and destination host.
func (v *URLValidator) Validate(urlStr string) error {
	parsed, err := url.Parse(urlStr)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}

	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if scheme == "" {
		return fmt.Errorf("protocol scheme is required")
	}
	if !v.allowedSchemes[scheme] {
		return fmt.Errorf("protocol %q is not allowed (only http/https permitted)", parsed.Scheme)
	}

	hostname := parsed.Hostname()
	if hostname == "" {
		return fmt.Errorf("URL has no host")
	}
	if strings.EqualFold(hostname, "localhost") {
		return fmt.Errorf("host %q is blocked (SSRF protection)", hostname)
	}

	if ip := net.ParseIP(hostname); ip != nil {
		return v.validateIP(ip)
	}

	// Resolve the name so DNS-based SSRF (a public name pointing at an
	// internal address) is caught before the request is made.
	ips, err := net.LookupIP(hostname)
	if err != nil {
		return fmt.Errorf("failed to resolve host %q: %w", hostname, err)
	}
	for _, ip := range ips {
		if err := v.validateIP(ip); err != nil {
			return err
		}
	}
	return nil
}

func (v *URLValidator) validateIP(ip net.IP) error {
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("IP %s is blocked (SSRF protection: loopback address)", ip)
	case ip.IsPrivate():
		return fmt.Errorf("IP %s is blocked (SSRF protection: private network)", ip)
	case ip.IsLinkLocalUnicast():
		return fmt.Errorf("IP %s is blocked (SSRF protection: link-local address)", ip)
	case ip.IsMulticast():
		return fmt.Errorf("IP %s is blocked (SSRF protection: multicast address)", ip)
	case ip.IsUnspecified():
		return fmt.Errorf("IP %s is blocked (SSRF protection: unspecified address)", ip)
	}
	return nil
}
