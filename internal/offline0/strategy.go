package offline0

import (
	"encoding/base64"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	offlineHTML = "<!DOCTYPE html><html><body><h1>Offline</h1></body></html>"
	offlineAPI  = `{"offline":true,"error":"No network connection"}`
	emptyData   = `{"pageProps":{},"__N_SSP":false}`
)

var transparentPNG, _ = base64.StdEncoding.DecodeString("iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAQAAAC1HAwCAAAAC0lEQVR42mNkYAAAAAYAAjCB0C8AAAAASUVORK5CYII=")

func fallback(status int, contentType string, body []byte) response {
	h := make(http.Header)
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	return response{Status: status, Header: h, Body: body, Source: sourceFallback}
}

// serveNavigation is network-first with the device user agent. Offline it
// serves the device variant, then any tolerant match, then the offline page,
// then an inline stub.
func (s *Service) serveNavigation(ev *fetchEvent) response {
	res, err := s.fetchOrigin(ev.ctx, TimeoutDocument, ev.request(ev.uri(), true))
	if err == nil {
		if res.ok() {
			s.writeThrough(ev.kind, ev.deviceKey(), res)
			if id := extractBuildID(res.Body); id != "" {
				s.build.Observe(ev.ctx, id)
			}
		}
		return res
	}

	if cached, ok := s.matchTolerant(ev, ev.kind, ev.url); ok {
		return cached
	}
	if page, ok := s.match(ev.ctx, KindPages, s.cfg.Offline.Page); ok {
		page.Source = sourceFallback
		return page
	}
	return fallback(http.StatusOK, "text/html; charset=utf-8", []byte(offlineHTML))
}

// serveAPI is network-first. Successful responses are snapshotted with
// their cache time and nominal TTL.
func (s *Service) serveAPI(ev *fetchEvent) response {
	class := TimeoutAPI
	switch {
	case strings.Contains(ev.url.Path, "/share-target"):
		class = TimeoutShareTarget
	case strings.Contains(ev.url.Path, "/sync"):
		class = TimeoutSyncPing
	}
	res, err := s.fetchOrigin(ev.ctx, class, ev.request(ev.uri(), false))
	if err == nil {
		s.writeThrough(ev.kind, ev.uri(), withCacheMetadata(res, time.Now(), s.cfg.ttl))
		return res
	}
	if cached, ok := s.matchTolerant(ev, ev.kind, ev.url); ok {
		return cached
	}
	return fallback(http.StatusServiceUnavailable, "application/json", []byte(offlineAPI))
}

func withCacheMetadata(res response, now time.Time, ttl time.Duration) response {
	h := cloneHeader(res.Header)
	h.Set("X-Cache-Time", strconv.FormatInt(now.UnixMilli(), 10))
	h.Set("X-Cache-TTL", strconv.FormatInt(ttl.Milliseconds(), 10))
	res.Header = h
	return res
}

// serveStatic is cache-first. Image-like requests check the image partition
// by path before the tolerant lookup.
func (s *Service) serveStatic(ev *fetchEvent) response {
	dest := ev.r.Header.Get("Sec-Fetch-Dest")
	if strings.EqualFold(dest, "image") || isImagePath(ev.url.Path) {
		if cached, ok := s.match(ev.ctx, KindImages, ev.url.Path); ok {
			return cached
		}
	}
	if cached, ok := s.matchTolerant(ev, ev.kind, ev.url); ok {
		return cached
	}

	framework := strings.HasPrefix(ev.url.Path, "/_next/")
	res, err := s.fetchOrigin(ev.ctx, timeoutClass(dest), ev.request(ev.uri(), framework))
	if err == nil {
		s.writeThrough(ev.kind, ev.uri(), res)
		return res
	}
	return fallback(http.StatusNotFound, "", nil)
}

// serveDefault is network-first. Offline, router payload requests get the
// precached per-route variant and everything else a tolerant lookup.
func (s *Service) serveDefault(ev *fetchEvent) response {
	res, err := s.fetchOrigin(ev.ctx, TimeoutDefault, ev.request(ev.uri(), false))
	if err == nil {
		s.writeThrough(ev.kind, ev.uri(), res)
		return res
	}

	p := ev.url.Path
	if isRSCRequest(ev.r.Header, ev.url) {
		if isPrefetch(ev.r.Header) {
			return fallback(http.StatusOK, "application/json", []byte("{}"))
		}
		rscKey := p + "/__rsc"
		if cached, ok := s.match(ev.ctx, KindPages, ev.device.CacheKey(rscKey), rscKey); ok {
			return cached
		}
		return fallback(http.StatusNoContent, "", nil)
	}

	if cached, ok := s.matchTolerant(ev, ev.kind, ev.url); ok {
		return cached
	}
	if isPageLike(p) {
		alt := p + "/"
		if strings.HasSuffix(p, "/") {
			alt = strings.TrimSuffix(p, "/")
		}
		if cached, ok := s.match(ev.ctx, KindPages, p, alt); ok {
			return cached
		}
	}
	return fallback(http.StatusNotFound, "", nil)
}

func isPageLike(p string) bool {
	return p != "/" && !strings.HasPrefix(p, "/_next/") && !strings.Contains(p, ".")
}
