package collector

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/oschwald/geoip2-golang"
)

// GeoLite resolves geolocation from local MaxMind GeoLite2 databases, as a
// drop-in replacement for the online geolocation source.
type GeoLite struct {
	country *geoip2.Reader
	asn     *geoip2.Reader
}

// OpenGeoLite opens the country and ASN databases. The ASN path may be
// empty.
func OpenGeoLite(countryPath, asnPath string) (*GeoLite, error) {
	country, err := geoip2.Open(countryPath)
	if err != nil {
		return nil, fmt.Errorf("opening GeoLite2 country database: %w", err)
	}
	g := &GeoLite{country: country}

	if asnPath != "" {
		g.asn, err = geoip2.Open(asnPath)
		if err != nil {
			country.Close()
			return nil, fmt.Errorf("opening GeoLite2 ASN database: %w", err)
		}
	}
	return g, nil
}

// Name returns the source identifier.
func (g *GeoLite) Name() string {
	return "geolocation"
}

// Fetch looks ip up in the local databases.
func (g *GeoLite) Fetch(_ context.Context, ip string) (map[string]any, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return nil, fmt.Errorf("geolite: invalid IP %q", ip)
	}

	record, err := g.country.Country(parsed)
	if err != nil {
		return nil, fmt.Errorf("geolite country lookup: %w", err)
	}

	payload := map[string]any{
		"country":     record.Country.Names["en"],
		"countryCode": record.Country.IsoCode,
		"org":         "",
	}

	if g.asn != nil {
		asn, err := g.asn.ASN(parsed)
		if err != nil {
			return nil, fmt.Errorf("geolite ASN lookup: %w", err)
		}
		if asn.AutonomousSystemNumber != 0 {
			payload["org"] = fmt.Sprintf("AS%d %s", asn.AutonomousSystemNumber, asn.AutonomousSystemOrganization)
		}
	}
	return payload, nil
}

// Close releases the database readers.
func (g *GeoLite) Close() error {
	var errs []error
	if g.country != nil {
		errs = append(errs, g.country.Close())
	}
	if g.asn != nil {
		errs = append(errs, g.asn.Close())
	}
	return errors.Join(errs...)
}
