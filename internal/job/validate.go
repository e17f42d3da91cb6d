package job

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidationError names the offending payload field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string { return fmt.Sprintf("%s: %s", e.Field, e.Reason) }

// Validate checks p before admission.
func (p Payload) Validate() error {
	if len(p.ListingIDs) == 0 {
		return &ValidationError{Field: "listingIds", Reason: "must not be empty"}
	}
	for i, id := range p.ListingIDs {
		if strings.TrimSpace(id) == "" {
			return &ValidationError{Field: fmt.Sprintf("listingIds[%d]", i), Reason: "must not be blank"}
		}
	}
	switch p.Audience {
	case AudienceFollowers, AudienceParty:
	default:
		return &ValidationError{Field: "audience", Reason: "must be followers or party"}
	}
	if p.Rate.MinMs <= 0 {
		return &ValidationError{Field: "rate.minMs", Reason: "must be a positive integer"}
	}
	if p.Rate.MaxMs <= 0 {
		return &ValidationError{Field: "rate.maxMs", Reason: "must be a positive integer"}
	}
	if p.Rate.MaxMs > MaxRateMs {
		return &ValidationError{Field: "rate.maxMs", Reason: fmt.Sprintf("must be at most %d (24h)", MaxRateMs)}
	}
	if p.Rate.MaxMs < p.Rate.MinMs {
		return &ValidationError{Field: "rate.maxMs", Reason: "must be greater than or equal to rate.minMs"}
	}
	for i, c := range p.SessionCookies {
		if c.Name == "" {
			return &ValidationError{Field: fmt.Sprintf("sessionCookies[%d].name", i), Reason: "required"}
		}
		switch c.SameSite {
		case "", "Strict", "Lax", "None":
		default:
			return &ValidationError{Field: fmt.Sprintf("sessionCookies[%d].sameSite", i), Reason: "must be Strict, Lax or None"}
		}
	}
	if p.AuthRefreshURL != "" {
		u, err := url.Parse(p.AuthRefreshURL)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return &ValidationError{Field: "authRefreshUrl", Reason: "must be an absolute http(s) URL"}
		}
	}
	return nil
}
