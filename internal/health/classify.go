// Package health implements the readiness barrier every mutation must pass:
// TCP reachability, an HTTPS health endpoint, and a settle period.
package health

import "net/http"

// Classification is the meaning of one health endpoint response.
type Classification int

const (
	// Unknown covers connection errors and unexpected codes; retry.
	Unknown Classification = iota
	// Ready means the component answers: 200, or 401 when anonymous
	// access is disabled.
	Ready
	// Initializing means the component is up but not serving yet.
	Initializing
)

func (c Classification) String() string {
	switch c {
	case Ready:
		return "ready"
	case Initializing:
		return "initializing"
	default:
		return "unknown"
	}
}

// Classify maps a response to a Classification. It is a pure function of
// the status code and whether the request failed.
func Classify(status int, err error) Classification {
	if err != nil {
		return Unknown
	}
	switch status {
	case http.StatusOK, http.StatusUnauthorized:
		return Ready
	case http.StatusInternalServerError, http.StatusServiceUnavailable:
		return Initializing
	default:
		return Unknown
	}
}
