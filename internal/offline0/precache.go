package offline0

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// PrecacheReport counts what an install-time warm did.
type PrecacheReport struct {
	Stored  int
	Skipped int
	Failed  int
}

type precacheCounter struct {
	stored, skipped, failed atomic.Int64
}

func (c *precacheCounter) report() PrecacheReport {
	return PrecacheReport{
		Stored:  int(c.stored.Load()),
		Skipped: int(c.skipped.Load()),
		Failed:  int(c.failed.Load()),
	}
}

// Precache warms the partitions before the engine takes control: essential
// routes, their per-device and router payload variants, critical images
// with their optimized variants, the static manifest and sitemap URLs.
// Failures are counted and logged, never returned.
func (s *Service) Precache(ctx context.Context) PrecacheReport {
	var c precacheCounter
	var g errgroup.Group
	g.Go(func() error {
		s.precacheRoutes(ctx, &c)
		s.precacheDevices(ctx, &c)
		s.precacheManifest(ctx, &c)
		return nil
	})
	g.Go(func() error {
		s.precacheImages(ctx, &c)
		return nil
	})
	g.Go(func() error {
		s.precacheSitemaps(ctx, &c)
		return nil
	})
	_ = g.Wait()
	return c.report()
}

// warm fetches fr and stores a successful response under key.
func (s *Service) warm(ctx context.Context, c *precacheCounter, kind, key, class string, fr fetchRequest) (response, bool) {
	res, err := s.fetchOrigin(ctx, class, fr)
	if err != nil || !res.ok() {
		c.failed.Add(1)
		s.log.Debug().Err(err).Int("status", res.Status).Str("uri", fr.URI).Msg("precache fetch failed")
		return res, false
	}
	if err := s.putAndEnforce(ctx, kind, entryFor(key, res, s.cfg.ttl)); err != nil {
		c.failed.Add(1)
		s.log.Warn().Err(err).Str("key", key).Msg("precache store failed")
		return res, false
	}
	c.stored.Add(1)
	return res, true
}

// precacheRoutes stores every route under its plain key, concurrently.
func (s *Service) precacheRoutes(ctx context.Context, c *precacheCounter) {
	var g errgroup.Group
	for _, route := range s.cfg.Precache.Routes {
		route := route
		g.Go(func() error {
			s.warm(ctx, c, KindPages, route, TimeoutDocument, fetchRequest{URI: route, NoCache: true})
			return nil
		})
	}
	_ = g.Wait()
}

// precacheDevices stores each document route and its router payload once
// per configured device profile, and records any build id seen along the
// way.
func (s *Service) precacheDevices(ctx context.Context, c *precacheCounter) {
	for _, p := range s.cfg.PrecacheDevices() {
		for _, route := range s.cfg.Precache.Routes {
			if route == s.cfg.Offline.Page || route == "/manifest.json" {
				continue
			}
			fr := fetchRequest{URI: route, UserAgent: p.UserAgent, NoCache: true}
			if res, ok := s.warm(ctx, c, KindPages, p.CacheKey(route), TimeoutDocument, fr); ok {
				s.build.Observe(ctx, extractBuildID(res.Body))
			}

			rsc := fetchRequest{
				URI:       route,
				UserAgent: p.UserAgent,
				NoCache:   true,
				Header:    http.Header{"Rsc": []string{"1"}},
			}
			s.warm(ctx, c, KindPages, p.CacheKey(route+"/__rsc"), TimeoutDocument, rsc)
		}
	}
}

// optimizedImageURL is the image endpoint URL for src at width w.
func optimizedImageURL(src string, w int) string {
	return fmt.Sprintf("/_next/image?url=%s&w=%d&q=75", url.QueryEscape(src), w)
}

func (s *Service) precacheImages(ctx context.Context, c *precacheCounter) {
	for _, img := range s.cfg.Precache.Images {
		s.warm(ctx, c, KindImages, img, TimeoutImage, fetchRequest{URI: img})
		for _, w := range s.cfg.Precache.ImageWidths {
			u := optimizedImageURL(img, w)
			s.warm(ctx, c, KindImages, u, TimeoutImage, fetchRequest{URI: u})
		}
	}
}

type staticManifest struct {
	Files []string `json:"files"`
}

// precacheManifest warms the server-supplied list of static files in
// batches, skipping files already cached.
func (s *Service) precacheManifest(ctx context.Context, c *precacheCounter) {
	if s.cfg.Precache.Manifest == "" {
		return
	}
	res, err := s.fetchOrigin(ctx, TimeoutDefault, fetchRequest{URI: s.cfg.Precache.Manifest})
	if err != nil || !res.ok() {
		s.log.Warn().Err(err).Int("status", res.Status).Msg("static manifest unavailable")
		return
	}
	var m staticManifest
	if err := json.Unmarshal(res.Body, &m); err != nil {
		s.log.Warn().Err(err).Msg("static manifest is not valid json")
		return
	}
	s.warmBatches(ctx, c, KindStatic, m.Files)
}

func (s *Service) warmBatches(ctx context.Context, c *precacheCounter, kind string, uris []string) {
	size := s.cfg.Precache.BatchSize
	p := s.partition(kind)
	for i := 0; i < len(uris); i += size {
		if ctx.Err() != nil {
			return
		}
		end := min(i+size, len(uris))
		var g errgroup.Group
		for _, u := range uris[i:end] {
			u := u
			g.Go(func() error {
				if _, ok := p.Match(ctx, u); ok {
					c.skipped.Add(1)
					return nil
				}
				s.warm(ctx, c, kind, u, TimeoutDefault, fetchRequest{URI: u, NoCache: true})
				return nil
			})
		}
		_ = g.Wait()
	}
}
