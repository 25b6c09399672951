package offline0

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/url"
	"strings"
)

type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

// precacheSitemaps warms every page listed in the configured sitemaps into
// the pages partition.
func (s *Service) precacheSitemaps(ctx context.Context, c *precacheCounter) {
	if len(s.cfg.Precache.Sitemaps) == 0 {
		return
	}
	paths, err := s.discoverURLs(ctx)
	if err != nil {
		s.log.Warn().Err(err).Int("found", len(paths)).Msg("sitemap discovery incomplete")
	}
	s.log.Info().Int("urls", len(paths)).Msg("sitemap discovery")
	s.warmBatches(ctx, c, KindPages, paths)
}

// discoverURLs walks the configured sitemaps, following nested sitemap
// indexes, and returns the distinct same-origin paths they list.
func (s *Service) discoverURLs(ctx context.Context) ([]string, error) {
	seenSitemaps := map[string]struct{}{}
	seenPaths := map[string]struct{}{}
	var out []string

	queue := make([]string, 0, len(s.cfg.Precache.Sitemaps))
	for _, sm := range s.cfg.Precache.Sitemaps {
		sm = strings.TrimSpace(sm)
		if sm == "" {
			continue
		}
		queue = append(queue, sm)
	}

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		smURL := queue[0]
		queue = queue[1:]
		if _, ok := seenSitemaps[smURL]; ok {
			continue
		}
		seenSitemaps[smURL] = struct{}{}

		doc, err := s.fetchAndParseSitemap(ctx, smURL)
		if err != nil {
			return out, fmt.Errorf("fetch sitemap %q: %w", smURL, err)
		}

		for _, nested := range doc.Sitemaps {
			if nested != "" {
				queue = append(queue, nested)
			}
		}

		for _, loc := range doc.URLs {
			path := s.pathFromLoc(loc)
			if path == "" {
				continue
			}
			if _, ok := seenPaths[path]; ok {
				continue
			}
			seenPaths[path] = struct{}{}
			out = append(out, path)
		}
	}
	return out, nil
}

func (s *Service) fetchAndParseSitemap(ctx context.Context, sitemapURL string) (sitemapDoc, error) {
	res, err := s.fetchOrigin(ctx, TimeoutDefault, fetchRequest{URI: sitemapURL})
	if err != nil {
		return sitemapDoc{}, err
	}
	if !res.ok() {
		b := res.Body
		if len(b) > 2048 {
			b = b[:2048]
		}
		return sitemapDoc{}, fmt.Errorf("unexpected status %d: %s", res.Status, strings.TrimSpace(string(b)))
	}

	body := res.Body
	// .gz sitemaps may or may not also carry Content-Encoding
	tryGzip := strings.HasSuffix(strings.ToLower(sitemapURL), ".gz") || (len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b)
	if tryGzip {
		if gz, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			defer gz.Close()
			if unzipped, err := io.ReadAll(gz); err == nil {
				body = unzipped
			}
		}
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, err
	}
	for i := range doc.URLs {
		doc.URLs[i] = strings.TrimSpace(doc.URLs[i])
	}
	for i := range doc.Sitemaps {
		doc.Sitemaps[i] = strings.TrimSpace(doc.Sitemaps[i])
	}
	return doc, nil
}

// pathFromLoc turns a sitemap <loc> into an origin-relative path. Absolute
// locations on another host are ignored.
func (s *Service) pathFromLoc(loc string) string {
	loc = strings.TrimSpace(loc)
	if loc == "" {
		return ""
	}
	if strings.HasPrefix(loc, "http://") || strings.HasPrefix(loc, "https://") {
		u, err := url.Parse(loc)
		if err != nil {
			return ""
		}
		if !strings.EqualFold(u.Host, s.cfg.originURL.Host) {
			return ""
		}
		p := u.Path
		if p == "" {
			p = "/"
		}
		if !strings.HasPrefix(p, "/") {
			p = "/" + p
		}
		if u.RawQuery != "" {
			p += "?" + u.RawQuery
		}
		return p
	}
	if !strings.HasPrefix(loc, "/") {
		loc = "/" + loc
	}
	return loc
}
