package offline0

import (
	"context"
	"net/http"
	"regexp"
	"sync"

	"github.com/rs/zerolog"

	"offline0/internal/partition"
)

const (
	unknownBuild = "unknown"
	buildIDKey   = "/build-id"
)

var (
	buildIDRe   = regexp.MustCompile(`"buildId":"([^"]+)"`)
	dataBuildRe = regexp.MustCompile(`^/_next/data/([^/]+)/`)
	dataRouteRe = regexp.MustCompile(`^/_next/data/[^/]+/(.+)\.json$`)
)

// extractBuildID finds the deployment id embedded in a rendered document.
func extractBuildID(html []byte) string {
	m := buildIDRe.FindSubmatch(html)
	if m == nil {
		return ""
	}
	return string(m[1])
}

// dataURLParts splits /_next/data/<id>/<route>.json into the id and the page
// route ("/" for index). ok is false when the path has no route.
func dataURLParts(p string) (id, route string, ok bool) {
	if m := dataBuildRe.FindStringSubmatch(p); m != nil {
		id = m[1]
	}
	m := dataRouteRe.FindStringSubmatch(p)
	if m == nil {
		return id, "", false
	}
	if m[1] == "index" {
		return id, "/", true
	}
	return id, "/" + m[1], true
}

func dataURL(buildID, route string) string {
	if route == "/" {
		route = "/index"
	}
	return "/_next/data/" + buildID + route + ".json"
}

// buildTracker holds the last known deployment id of the origin.
type buildTracker struct {
	mu      sync.Mutex
	current string

	meta  *partition.Partition
	fetch func(ctx context.Context) (response, error)
	log   zerolog.Logger
}

func newBuildTracker(meta *partition.Partition, fetch func(ctx context.Context) (response, error), log zerolog.Logger) *buildTracker {
	return &buildTracker{meta: meta, fetch: fetch, log: log}
}

// Resolve returns the in-memory id, or fetches the origin root document, or
// falls back to the persisted id. unknownBuild means drift correction must
// be skipped.
func (b *buildTracker) Resolve(ctx context.Context) string {
	b.mu.Lock()
	cur := b.current
	b.mu.Unlock()
	if cur != "" {
		return cur
	}

	res, err := b.fetch(ctx)
	if err != nil {
		b.log.Debug().Err(err).Msg("build id lookup failed")
	} else if res.ok() {
		if id := extractBuildID(res.Body); id != "" {
			b.Observe(ctx, id)
			return id
		}
	}

	if e, ok := b.meta.Match(ctx, buildIDKey); ok && len(e.Body) > 0 {
		id := string(e.Body)
		b.mu.Lock()
		b.current = id
		b.mu.Unlock()
		return id
	}
	return unknownBuild
}

// Observe records an id seen in a fetched document and persists it.
func (b *buildTracker) Observe(ctx context.Context, id string) {
	if id == "" {
		return
	}
	b.mu.Lock()
	changed := b.current != id
	b.current = id
	b.mu.Unlock()
	if !changed {
		return
	}
	err := b.meta.Put(ctx, partition.Entry{
		Key:    buildIDKey,
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": []string{"text/plain"}},
		Body:   []byte(id),
	})
	if err != nil {
		b.log.Warn().Err(err).Msg("persist build id")
		return
	}
	b.log.Info().Str("buildId", id).Msg("build id updated")
}

// Refresh forgets the in-memory id and resolves again.
func (b *buildTracker) Refresh(ctx context.Context) string {
	b.mu.Lock()
	b.current = ""
	b.mu.Unlock()
	return b.Resolve(ctx)
}

// Current returns the in-memory id without probing.
func (b *buildTracker) Current() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}
