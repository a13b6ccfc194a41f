// Package geo annotates the measured server address with country and
// autonomous-system data from a MaxMind-format database.
package geo

import (
	"errors"
	"fmt"
	"net"

	"github.com/oschwald/maxminddb-golang"
)

var ErrInvalidAddress = errors.New("invalid ip address")

type Location struct {
	IP           string `json:"ip"`
	Country      string `json:"country,omitempty"`
	ASN          uint   `json:"asn,omitempty"`
	Organization string `json:"organization,omitempty"`
}

// record covers both the country and ASN database layouts; fields missing
// from a database stay zero.
type record struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
	ASN          uint   `maxminddb:"autonomous_system_number"`
	Organization string `maxminddb:"autonomous_system_organization"`
}

// Lookup is safe for concurrent use. A nil *Lookup resolves nothing.
type Lookup struct {
	reader *maxminddb.Reader
}

func Open(path string) (*Lookup, error) {
	reader, err := maxminddb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open geoip database: %w", err)
	}
	return &Lookup{reader: reader}, nil
}

// Locate accepts a bare IP or a host:port pair as reported by the transport.
// It returns nil without error when the lookup is disabled.
func (l *Lookup) Locate(addr string) (*Location, error) {
	if l == nil || l.reader == nil {
		return nil, nil
	}
	ip := parseAddr(addr)
	if ip == nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAddress, addr)
	}
	var rec record
	if err := l.reader.Lookup(ip, &rec); err != nil {
		return nil, fmt.Errorf("geoip lookup %s: %w", ip, err)
	}
	return &Location{
		IP:           ip.String(),
		Country:      rec.Country.ISOCode,
		ASN:          rec.ASN,
		Organization: rec.Organization,
	}, nil
}

func (l *Lookup) Close() error {
	if l == nil || l.reader == nil {
		return nil
	}
	return l.reader.Close()
}

func parseAddr(addr string) net.IP {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	return net.ParseIP(addr)
}
