package offline0

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Handlers for framework-internal paths: /_next/image, /_next/data and the
// bundle chunks under /_next/static.

// serveImage is cache-first on the optimized URL, then on the un-optimized
// source in the image and static partitions.
func (s *Service) serveImage(ev *fetchEvent) response {
	if cached, ok := s.match(ev.ctx, KindImages, ev.uri()); ok {
		return cached
	}
	if src := ev.url.Query().Get("url"); src != "" {
		if cached, ok := s.match(ev.ctx, KindImages, src); ok {
			return cached
		}
		if cached, ok := s.match(ev.ctx, KindStatic, src); ok {
			return cached
		}
	}
	res, err := s.fetchOrigin(ev.ctx, TimeoutImage, ev.request(ev.uri(), false))
	if err == nil && res.ok() {
		s.writeThrough(KindImages, ev.uri(), res)
		return res
	}
	return fallback(http.StatusOK, "image/png", transparentPNG)
}

func (s *Service) serveData(ev *fetchEvent) response {
	return s.serveDataAt(ev, ev.url, false)
}

// serveDataAt serves a data request for u. A URL carrying a deployment id
// other than the tracked one is rewritten to the current id; corrected
// guards that rewrite so it happens at most once per event.
func (s *Service) serveDataAt(ev *fetchEvent, u *url.URL, corrected bool) response {
	urlBuild, route, hasRoute := dataURLParts(u.Path)
	current := ev.Build()
	drifted := urlBuild != "" && current != unknownBuild && urlBuild != current
	if drifted && hasRoute && !corrected {
		fixed := &url.URL{Path: dataURL(current, route), RawQuery: u.RawQuery}
		ev.log.Debug().Str("from", urlBuild).Str("to", current).Msg("correcting stale data url")
		return s.serveDataAt(ev, fixed, true)
	}

	deviceKey := ev.device.CacheKey(u.Path)
	if e, ok := ev.cache.Match(ev.ctx, deviceKey); ok {
		if hasRoute && current != unknownBuild {
			s.revalidateData(ev, route, current)
		}
		return responseFromEntry(e, time.Now())
	}
	if cached, ok := s.match(ev.ctx, ev.kind, u.RequestURI()); ok {
		return cached
	}

	res, err := s.fetchOrigin(ev.ctx, TimeoutDocument, ev.request(u.RequestURI(), true))
	if err == nil {
		s.writeThrough(ev.kind, deviceKey, res)
		return res
	}

	for _, kind := range siblingKinds(ev.kind) {
		if cached, ok := s.matchTolerant(ev, kind, u); ok {
			return cached
		}
	}
	return fallback(http.StatusOK, "application/json", []byte(emptyData))
}

// revalidateData refreshes the device variant of route for the current
// deployment in the background.
func (s *Service) revalidateData(ev *fetchEvent, route, build string) {
	uri := dataURL(build, route)
	key := ev.device.CacheKey(uri)
	fr := ev.request(uri, true)
	fr.Header = fr.Header.Clone()
	kind := ev.kind
	s.revalidateAsync(func(ctx context.Context) error {
		return s.refresh(ctx, kind, key, TimeoutDocument, fr)
	})
}

// serveFrameworkStatic is cache-first on the device variant with
// background revalidation, then the exact URI, then any partition by path.
func (s *Service) serveFrameworkStatic(ev *fetchEvent) response {
	deviceKey := ev.deviceKey()
	if e, ok := ev.cache.Match(ev.ctx, deviceKey); ok {
		fr := ev.request(ev.uri(), true)
		fr.Header = fr.Header.Clone()
		kind := ev.kind
		s.revalidateAsync(func(ctx context.Context) error {
			return s.refresh(ctx, kind, deviceKey, TimeoutScript, fr)
		})
		return responseFromEntry(e, time.Now())
	}
	if cached, ok := s.match(ev.ctx, ev.kind, ev.uri()); ok {
		return cached
	}
	for _, kind := range []string{KindStatic, KindPages, KindImages} {
		if cached, ok := s.match(ev.ctx, kind, ev.url.Path); ok {
			return cached
		}
	}

	res, err := s.fetchOrigin(ev.ctx, TimeoutScript, ev.request(ev.uri(), true))
	if err == nil {
		s.writeThrough(ev.kind, deviceKey, res)
		return res
	}
	return fallback(http.StatusNotFound, "", nil)
}

// refresh fetches fr and replaces key on success. It runs detached, so the
// request must not depend on the caller's context.
func (s *Service) refresh(ctx context.Context, kind, key, class string, fr fetchRequest) error {
	res, err := s.fetchOrigin(ctx, class, fr)
	if err != nil {
		return err
	}
	if !res.ok() {
		return fmt.Errorf("revalidate %s: status %d", fr.URI, res.Status)
	}
	return s.putAndEnforce(ctx, kind, entryFor(key, res, s.cfg.ttl))
}

// siblingKinds lists own first, then the other partitions a framework
// resource may have been stored under.
func siblingKinds(own string) []string {
	out := []string{own}
	for _, k := range []string{KindStatic, KindPages, KindImages} {
		if k != own {
			out = append(out, k)
		}
	}
	return out
}
