package offline0

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"offline0/internal/device"
	"offline0/internal/partition"
)

// fetchEvent carries everything a strategy needs for one intercepted
// request. It is built per request and discarded afterwards.
type fetchEvent struct {
	ctx      context.Context
	r        *http.Request
	url      *url.URL
	strategy Strategy
	kind     string
	cache    *partition.Partition
	device   device.Profile
	log      zerolog.Logger

	resolveBuild func(ctx context.Context) string
	buildOnce    sync.Once
	build        string
}

func (s *Service) newFetchEvent(r *http.Request) *fetchEvent {
	u := *r.URL
	st := Classify(r)
	kind := partitionKind(u.Path)
	dev := device.Detect(r.UserAgent())
	return &fetchEvent{
		ctx:      r.Context(),
		r:        r,
		url:      &u,
		strategy: st,
		kind:     kind,
		cache:    s.partition(kind),
		device:   dev,
		log: s.log.With().
			Str("strategy", st.String()).
			Str("path", u.Path).
			Str("device", string(dev.Name)).
			Logger(),
		resolveBuild: s.build.Resolve,
	}
}

// Build resolves the tracked deployment id at most once per event.
func (ev *fetchEvent) Build() string {
	ev.buildOnce.Do(func() {
		ev.build = ev.resolveBuild(ev.ctx)
	})
	return ev.build
}

func (ev *fetchEvent) uri() string { return ev.url.RequestURI() }

func (ev *fetchEvent) deviceKey() string { return ev.device.CacheKey(ev.url.Path) }

// request builds an origin request that forwards the caller's headers,
// optionally presenting the device profile's user agent.
func (ev *fetchEvent) request(uri string, withDeviceUA bool) fetchRequest {
	fr := fetchRequest{URI: uri, Header: ev.r.Header}
	if withDeviceUA {
		fr.UserAgent = ev.device.UserAgent
	}
	return fr
}

// tolerantKeys lists lookup keys from most to least specific: device key,
// exact URI, URI without query, then the path with and without a trailing
// slash.
func tolerantKeys(dev device.Profile, u *url.URL) []string {
	p := u.Path
	if p == "" {
		p = "/"
	}
	keys := []string{dev.CacheKey(p), u.RequestURI(), p}
	if strings.HasSuffix(p, "/") {
		if p != "/" {
			keys = append(keys, strings.TrimSuffix(p, "/"))
		}
	} else {
		keys = append(keys, p+"/")
	}
	return dedupe(keys)
}

func dedupe(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := keys[:0]
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

// matchTolerant looks up u in the kind partition using tolerantKeys.
func (s *Service) matchTolerant(ev *fetchEvent, kind string, u *url.URL) (response, bool) {
	e, ok := s.partition(kind).MatchFirst(ev.ctx, tolerantKeys(ev.device, u)...)
	if !ok {
		return response{}, false
	}
	return responseFromEntry(e, time.Now()), true
}

func (s *Service) match(ctx context.Context, kind string, keys ...string) (response, bool) {
	e, ok := s.partition(kind).MatchFirst(ctx, keys...)
	if !ok {
		return response{}, false
	}
	return responseFromEntry(e, time.Now()), true
}

func responseFromEntry(e partition.Entry, now time.Time) response {
	src := sourceHit
	if e.Stale(now) {
		src = sourceStale
	}
	return response{
		Status: e.Status,
		Header: cloneHeader(e.Header),
		Body:   e.Body,
		Source: src,
	}
}

// dispatch runs the handler for the event's strategy.
func (s *Service) dispatch(ev *fetchEvent) response {
	h := s.handlerFor(ev.strategy)
	if h == nil {
		h = s.serveDefault
	}
	return h(ev)
}

func (s *Service) handlerFor(st Strategy) func(*fetchEvent) response {
	switch st {
	case StrategyImage:
		return s.serveImage
	case StrategyData:
		return s.serveData
	case StrategyFrameworkStatic:
		return s.serveFrameworkStatic
	case StrategyAPI:
		return s.serveAPI
	case StrategyNavigation:
		return s.serveNavigation
	case StrategyStatic:
		return s.serveStatic
	case StrategyDefault:
		return s.serveDefault
	}
	return nil
}
