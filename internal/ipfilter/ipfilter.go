// Package ipfilter restricts HTTP endpoints to a list of networks
package ipfilter

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
)

// Filter checks if IP addresses are allowed
type Filter struct {
	allowedNets []*net.IPNet
}

// Parse builds a filter from IPs and CIDRs. An empty list allows every client.
func Parse(allowedIPs []string) (*Filter, error) {
	f := &Filter{}

	for _, entry := range allowedIPs {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		if strings.Contains(entry, "/") {
			_, ipNet, err := net.ParseCIDR(entry)
			if err != nil {
				return nil, fmt.Errorf("invalid CIDR %q: %w", entry, err)
			}
			f.allowedNets = append(f.allowedNets, ipNet)
			continue
		}

		// Single IP becomes a /32 or /128
		ip := net.ParseIP(entry)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP address %q", entry)
		}
		bits := 128
		if ip.To4() != nil {
			bits = 32
		}
		f.allowedNets = append(f.allowedNets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}

	return f, nil
}

// Enabled returns true if IP filtering is active
func (f *Filter) Enabled() bool {
	return len(f.allowedNets) > 0
}

// Allows reports whether ip may access the endpoint
func (f *Filter) Allows(ip net.IP) bool {
	if !f.Enabled() {
		return true
	}
	for _, ipNet := range f.allowedNets {
		if ipNet.Contains(ip) {
			return true
		}
	}
	return false
}

// RemoteIP returns the IP part of r.RemoteAddr. Behind a proxy, chi's
// RealIP middleware must run first so RemoteAddr holds the client address.
func RemoteIP(r *http.Request) net.IP {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return net.ParseIP(r.RemoteAddr)
	}
	return net.ParseIP(host)
}

// Middleware rejects requests from addresses outside the allowed networks
func (f *Filter) Middleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !f.Enabled() {
				next.ServeHTTP(w, r)
				return
			}

			ip := RemoteIP(r)
			if ip == nil || !f.Allows(ip) {
				logger.Warn("access denied by IP filter", "remote_addr", r.RemoteAddr, "path", r.URL.Path)
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
