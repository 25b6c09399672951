package offline0

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// response is a fully buffered HTTP response, either live from the origin,
// rebuilt from a cache entry, or synthesized as a fallback.
type response struct {
	Status int
	Header http.Header
	Body   []byte
	// Source is reported in the X-Offline0 header.
	Source string
}

const (
	sourceNetwork  = "network"
	sourceHit      = "hit"
	sourceStale    = "stale"
	sourceFallback = "fallback"
)

func (r response) ok() bool { return r.Status >= 200 && r.Status < 300 }

type fetchRequest struct {
	Method    string
	URI       string // origin-relative request URI
	Header    http.Header
	Body      []byte
	Timeout   time.Duration
	UserAgent string
	// NoCache asks intermediaries for a fresh copy.
	NoCache bool
}

// fetcher talks to the origin. Every call is bounded by its own timeout;
// a cancelled call returns an error and the caller falls back to cache.
type fetcher struct {
	origin  *url.URL
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

var errOriginStatus = errors.New("origin returned server error")

func newFetcher(cfg Config, log zerolog.Logger) *fetcher {
	f := &fetcher{
		origin: cfg.OriginURL(),
		client: &http.Client{
			// redirects are returned to the page as-is
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
	if cfg.Breaker.Enabled {
		minReq := cfg.Breaker.MinRequests
		ratio := cfg.Breaker.FailureRatio
		f.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "origin",
			MaxRequests: 1,
			Timeout:     cfg.breakerOpen,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				if counts.Requests < minReq {
					return false
				}
				return float64(counts.TotalFailures)/float64(counts.Requests) >= ratio
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("origin circuit breaker state changed")
			},
			IsSuccessful: func(err error) bool {
				return err == nil
			},
		})
	}
	return f
}

func (f *fetcher) do(ctx context.Context, fr fetchRequest) (response, error) {
	if f.breaker == nil {
		return f.roundTrip(ctx, fr)
	}
	var out response
	_, err := f.breaker.Execute(func() (any, error) {
		res, err := f.roundTrip(ctx, fr)
		if err != nil {
			return nil, err
		}
		out = res
		if res.Status >= 500 {
			return nil, errOriginStatus
		}
		return nil, nil
	})
	if errors.Is(err, errOriginStatus) {
		// a 5xx is still a valid response for the page
		return out, nil
	}
	return out, err
}

func (f *fetcher) roundTrip(ctx context.Context, fr fetchRequest) (response, error) {
	if fr.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, fr.Timeout)
		defer cancel()
	}
	method := fr.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if len(fr.Body) > 0 {
		body = bytes.NewReader(fr.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, f.resolve(fr.URI), body)
	if err != nil {
		return response{}, err
	}
	copyRequestHeaders(req.Header, fr.Header)
	req.Header.Set("Accept-Encoding", "identity")
	if fr.UserAgent != "" {
		req.Header.Set("User-Agent", fr.UserAgent)
	}
	if fr.NoCache {
		req.Header.Set("Cache-Control", "no-cache")
		req.Header.Set("Pragma", "no-cache")
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return response{}, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return response{}, fmt.Errorf("read body: %w", err)
	}
	h := cloneHeader(resp.Header)
	h.Del("Content-Length")
	for _, name := range hopHeaders {
		h.Del(name)
	}
	return response{Status: resp.StatusCode, Header: h, Body: b, Source: sourceNetwork}, nil
}

func (f *fetcher) resolve(uri string) string {
	if strings.HasPrefix(uri, "http://") || strings.HasPrefix(uri, "https://") {
		return uri
	}
	if !strings.HasPrefix(uri, "/") {
		uri = "/" + uri
	}
	return strings.TrimRight(f.origin.String(), "/") + uri
}

var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Conditional headers are dropped so the origin always returns a full body
// that can be cached.
var skippedRequestHeaders = append([]string{
	"Host",
	"Content-Length",
	"Accept-Encoding",
	"If-None-Match",
	"If-Modified-Since",
	"If-Match",
	"If-Unmodified-Since",
	"If-Range",
}, hopHeaders...)

func copyRequestHeaders(dst, src http.Header) {
	for k, vs := range src {
		if skipHeader(k) {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func skipHeader(name string) bool {
	for _, s := range skippedRequestHeaders {
		if strings.EqualFold(name, s) {
			return true
		}
	}
	return false
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
