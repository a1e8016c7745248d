package deferlink

import "errors"

var (
	// ErrValidation is returned when a request carries malformed or
	// out-of-range input. The caller should correct the request and retry.
	ErrValidation = errors.New("deferlink: invalid input")

	// ErrRateLimited is returned when the abuse guard denies a request.
	// The caller should back off before retrying.
	ErrRateLimited = errors.New("deferlink: rate limited")

	// ErrSessionNotFound is returned when a session does not exist,
	// was deleted, or has aged past the retention window.
	ErrSessionNotFound = errors.New("deferlink: session not found")

	// ErrCapacity is returned when the session store cannot accept
	// more sessions.
	ErrCapacity = errors.New("deferlink: session store at capacity")

	// ErrStorageUnavailable is returned when the backing store fails.
	// No partial state is applied when this is surfaced.
	ErrStorageUnavailable = errors.New("deferlink: storage unavailable")

	// ErrGeoIPDatabaseNotConfigured is returned when GeoIP enrichment is
	// attempted without configuring the GeoIP database path.
	ErrGeoIPDatabaseNotConfigured = errors.New("deferlink: GeoIP database path not configured")

	// ErrGeoIPLookupFailed is returned when IP geolocation lookup fails.
	ErrGeoIPLookupFailed = errors.New("deferlink: GeoIP lookup failed")

	// ErrInvalidIP is returned when an invalid IP address is provided.
	ErrInvalidIP = errors.New("deferlink: invalid IP address")
)
