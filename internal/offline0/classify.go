package offline0

import (
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

// Strategy names the fetch/cache/fallback protocol applied to a request.
type Strategy int

const (
	StrategyImage Strategy = iota
	StrategyData
	StrategyFrameworkStatic
	StrategyAPI
	StrategyNavigation
	StrategyStatic
	StrategyDefault
)

var strategies = []Strategy{
	StrategyImage,
	StrategyData,
	StrategyFrameworkStatic,
	StrategyAPI,
	StrategyNavigation,
	StrategyStatic,
	StrategyDefault,
}

func (s Strategy) String() string {
	switch s {
	case StrategyImage:
		return "image"
	case StrategyData:
		return "data"
	case StrategyFrameworkStatic:
		return "framework-static"
	case StrategyAPI:
		return "api"
	case StrategyNavigation:
		return "navigation"
	case StrategyStatic:
		return "static"
	case StrategyDefault:
		return "default"
	}
	return "unknown"
}

var (
	imageExtRe  = regexp.MustCompile(`(?i)\.(jpg|jpeg|png|gif|webp|svg|ico)$`)
	staticExtRe = regexp.MustCompile(`(?i)\.(js|css|woff2?|ttf|eot)$`)
)

// Classify picks the strategy for an intercepted GET request. The checks
// run in a fixed order: framework data and static paths must win over the
// broader navigation and destination checks.
func Classify(r *http.Request) Strategy {
	p := r.URL.Path
	switch {
	case p == "/_next/image":
		return StrategyImage
	case strings.HasPrefix(p, "/_next/data/"):
		return StrategyData
	case isFrameworkResource(p):
		return StrategyFrameworkStatic
	case strings.HasPrefix(p, "/api/"):
		return StrategyAPI
	case isDocumentRequest(r.Header) && !isClientNavigation(r.Header):
		return StrategyNavigation
	case isStaticDestination(r.Header.Get("Sec-Fetch-Dest")) || strings.HasPrefix(p, "/_next/"):
		return StrategyStatic
	default:
		return StrategyDefault
	}
}

func isFrameworkResource(p string) bool {
	return strings.HasPrefix(p, "/_next/static/") ||
		strings.Contains(p, "webpack") ||
		strings.Contains(p, "main-app") ||
		strings.Contains(p, "app-pages-internals")
}

// isDocumentRequest uses fetch metadata when present and falls back to the
// Accept header for clients that don't send it.
func isDocumentRequest(h http.Header) bool {
	dest := h.Get("Sec-Fetch-Dest")
	mode := h.Get("Sec-Fetch-Mode")
	if dest != "" || mode != "" {
		return strings.EqualFold(dest, "document") || strings.EqualFold(mode, "navigate")
	}
	return strings.Contains(strings.ToLower(h.Get("Accept")), "text/html")
}

// isClientNavigation detects router transitions and prefetches, which look
// like documents but expect partial payloads.
func isClientNavigation(h http.Header) bool {
	return strings.EqualFold(h.Get("Purpose"), "prefetch") ||
		len(h.Values("Next-Router-State-Tree")) > 0 ||
		len(h.Values("Next-Url")) > 0 ||
		h.Get("RSC") == "1"
}

func isPrefetch(h http.Header) bool {
	return h.Get("Next-Router-Prefetch") == "1" || strings.EqualFold(h.Get("Purpose"), "prefetch")
}

func isRSCRequest(h http.Header, u *url.URL) bool {
	return h.Get("RSC") == "1" || u.Query().Has("_rsc")
}

func isStaticDestination(dest string) bool {
	switch strings.ToLower(dest) {
	case "script", "style", "font", "image":
		return true
	}
	return false
}

// timeoutClass maps a fetch destination to its timeout class.
func timeoutClass(dest string) string {
	switch strings.ToLower(dest) {
	case "document":
		return TimeoutDocument
	case "script":
		return TimeoutScript
	case "style":
		return TimeoutStyle
	case "image":
		return TimeoutImage
	case "font":
		return TimeoutFont
	}
	return TimeoutDefault
}

// partitionKind picks the partition a URL's responses are stored in.
func partitionKind(p string) string {
	switch {
	case strings.HasPrefix(p, "/api/"):
		return KindAPI
	case imageExtRe.MatchString(p):
		return KindImages
	case staticExtRe.MatchString(p), strings.HasPrefix(p, "/_next/"):
		return KindStatic
	default:
		return KindPages
	}
}

func isImagePath(p string) bool { return imageExtRe.MatchString(p) }
