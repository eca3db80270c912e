package dispatch

import (
	"errors"
	"fmt"
)

var (
	// ErrNoActiveSources is returned when no candidate source exists for the
	// request.
	ErrNoActiveSources = errors.New("no active sources")

	// ErrAllSourcesFailed is returned after every candidate was attempted.
	ErrAllSourcesFailed = errors.New("all sources failed")

	// ErrResponseTooLarge is returned when an upstream body exceeds the read
	// cap. Relaying a truncated body would contradict the upstream's
	// Content-Length, so the call fails instead.
	ErrResponseTooLarge = errors.New("upstream response too large")
)

// ChallengeError reports a bot-protection interstitial from the upstream.
type ChallengeError struct {
	Provider      string
	SourceName    string
	BypassEnabled bool
}

func (e *ChallengeError) Error() string {
	if e.BypassEnabled {
		return fmt.Sprintf(
			"upstream %q answered with a %s challenge despite browser impersonation",
			e.SourceName, e.Provider)
	}

	return fmt.Sprintf(
		"upstream %q answered with a %s challenge; bot-detection bypass is disabled for this source",
		e.SourceName, e.Provider)
}
