// Package device classifies callers into rendering targets.
//
// The origin renders different HTML per device class, so cached documents
// and data are keyed per profile and re-fetched with the profile's
// representative user agent.
package device

import "regexp"

type Kind string

const (
	Desktop Kind = "desktop"
	Mobile  Kind = "mobile"
	Tablet  Kind = "tablet"
)

type Profile struct {
	Name      Kind
	UserAgent string
}

var profiles = map[Kind]Profile{
	Desktop: {
		Name:      Desktop,
		UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	},
	Mobile: {
		Name:      Mobile,
		UserAgent: "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1",
	},
	Tablet: {
		Name:      Tablet,
		UserAgent: "Mozilla/5.0 (iPad; CPU OS 17_0 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Mobile/15E148 Safari/604.1",
	},
}

var (
	ipadRe    = regexp.MustCompile(`(?i)iPad`)
	androidRe = regexp.MustCompile(`(?i)Android`)
	mobileRe  = regexp.MustCompile(`(?i)Mobile`)
	phoneRe   = regexp.MustCompile(`(?i)iPhone|Android.*Mobile|webOS|BlackBerry|IEMobile|Opera Mini`)
)

// Detect maps a user agent string to a profile. Unknown agents are desktop.
func Detect(userAgent string) Profile {
	switch {
	case ipadRe.MatchString(userAgent),
		androidRe.MatchString(userAgent) && !mobileRe.MatchString(userAgent):
		return profiles[Tablet]
	case phoneRe.MatchString(userAgent):
		return profiles[Mobile]
	default:
		return profiles[Desktop]
	}
}

// Lookup returns the profile for kind.
func Lookup(kind Kind) (Profile, bool) {
	p, ok := profiles[kind]
	return p, ok
}

// All returns every profile in a stable order.
func All() []Profile {
	return []Profile{profiles[Desktop], profiles[Mobile], profiles[Tablet]}
}

// CacheKey tags key with the profile name so device variants don't collide.
func (p Profile) CacheKey(key string) string {
	return string(p.Name) + ":" + key
}
