// Package urlcheck validates outbound request URLs before dispatch. It
// rejects anything that could reach internal infrastructure: private and
// loopback addresses, link-local ranges and dangerous well-known ports.
package urlcheck

import (
	"errors"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// MaxURLLength bounds accepted URLs.
const MaxURLLength = 2048

var (
	// ErrURLTooLong is returned for URLs over MaxURLLength.
	ErrURLTooLong = errors.New("url exceeds the maximum length")

	// ErrInvalidURL is returned for URLs that do not parse.
	ErrInvalidURL = errors.New("invalid url")

	// ErrSchemeNotAllowed is returned for non-http(s) schemes.
	ErrSchemeNotAllowed = errors.New("url scheme must be http or https")

	// ErrHostNotAllowed is returned for private, loopback or otherwise
	// internal hosts.
	ErrHostNotAllowed = errors.New("url host is not allowed")

	// ErrPortNotAllowed is returned for dangerous well-known ports.
	ErrPortNotAllowed = errors.New("url port is not allowed")
)

// blockedHostnames are names that always resolve inward.
//
//nolint:gochecknoglobals
var blockedHostnames = map[string]struct{}{
	"localhost":                  {},
	"metadata.google.internal":   {},
	"metadata":                   {},
	"instance-data":              {},
	"instance-data.ec2.internal": {},
}

// blockedPorts are well-known service ports an API proxy has no business
// talking to. The standard web ports are exempt.
//
//nolint:gochecknoglobals
var blockedPorts = map[int]struct{}{
	22:    {}, // ssh
	23:    {}, // telnet
	25:    {}, // smtp
	110:   {}, // pop3
	135:   {}, // msrpc
	139:   {}, // netbios
	445:   {}, // smb
	1433:  {}, // mssql
	3306:  {}, // mysql
	3389:  {}, // rdp
	5432:  {}, // postgres
	6379:  {}, // redis
	9200:  {}, // elasticsearch
	11211: {}, // memcached
	27017: {}, // mongodb
}

// Validate checks a caller-supplied URL and returns the parsed form when it
// is safe to dispatch.
func Validate(rawURL string) (*url.URL, error) {
	if len(rawURL) > MaxURLLength {
		return nil, ErrURLTooLong
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, ErrInvalidURL
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, ErrSchemeNotAllowed
	}

	host := u.Hostname()
	if host == "" {
		return nil, ErrInvalidURL
	}

	if _, ok := blockedHostnames[strings.ToLower(host)]; ok {
		return nil, ErrHostNotAllowed
	}

	// Suffix match catches names like foo.internal and foo.local.
	lower := strings.ToLower(host)
	if strings.HasSuffix(lower, ".internal") || strings.HasSuffix(lower, ".local") {
		return nil, ErrHostNotAllowed
	}

	if ip := net.ParseIP(host); ip != nil && !publicIP(ip) {
		return nil, ErrHostNotAllowed
	}

	if err := checkPort(u); err != nil {
		return nil, err
	}

	return u, nil
}

func checkPort(u *url.URL) error {
	portStr := u.Port()
	if portStr == "" {
		return nil
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return ErrInvalidURL
	}

	// The standard web ports are always fine regardless of the list.
	if port == 80 || port == 443 || port == 8080 || port == 8443 {
		return nil
	}

	if _, ok := blockedPorts[port]; ok {
		return ErrPortNotAllowed
	}

	return nil
}

// publicIP reports whether the address is routable on the public internet.
// IPv4-mapped IPv6 addresses are unwrapped first so ::ffff:10.0.0.1 is caught
// as private.
func publicIP(ip net.IP) bool {
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}

	switch {
	case ip.IsLoopback(),
		ip.IsPrivate(),
		ip.IsUnspecified(),
		ip.IsLinkLocalUnicast(),
		ip.IsLinkLocalMulticast(),
		ip.IsMulticast():
		return false
	}

	// IPv6 unique local addresses, fc00::/7.
	if ip.To4() == nil && len(ip) == net.IPv6len && ip[0]&0xfe == 0xfc {
		return false
	}

	// Carrier-grade NAT, 100.64.0.0/10.
	if v4 := ip.To4(); v4 != nil && v4[0] == 100 && v4[1]&0xc0 == 64 {
		return false
	}

	return true
}
