package deferlink

import (
	"fmt"
	"net"

	"github.com/oschwald/geoip2-golang"
)

// GeoIPReader enriches fingerprints from a MaxMind GeoLite2 database. Browser
// visits frequently omit the timezone; the IP-derived timezone fills the gap
// so the session still lands in a useful bucket.
type GeoIPReader struct {
	db   *geoip2.Reader
	path string
}

// NewGeoIPReader opens a MaxMind GeoLite2-City database.
func NewGeoIPReader(dbPath string) (*GeoIPReader, error) {
	if dbPath == "" {
		return nil, ErrGeoIPDatabaseNotConfigured
	}

	db, err := geoip2.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("geoip: failed to open database: %w", err)
	}

	return &GeoIPReader{
		db:   db,
		path: dbPath,
	}, nil
}

// TimezoneForIP returns the IANA timezone recorded for the IP address, or an
// empty string when the database has none for that location.
func (r *GeoIPReader) TimezoneForIP(ip string) (string, error) {
	if r == nil || r.db == nil {
		return "", ErrGeoIPDatabaseNotConfigured
	}

	parsed := net.ParseIP(ip)
	if parsed == nil {
		return "", fmt.Errorf("%w: %s", ErrInvalidIP, ip)
	}

	record, err := r.db.City(parsed)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrGeoIPLookupFailed, err)
	}
	return record.Location.TimeZone, nil
}

// Close closes the GeoIP database.
func (r *GeoIPReader) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}
