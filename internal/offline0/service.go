package offline0

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"offline0/internal/kvstore"
	"offline0/internal/partition"
)

const (
	headerName  = "X-Offline0"
	controlPath = "/__offline0"

	backgroundTimeout = 30 * time.Second
)

// Service is the offline engine: it intercepts same-origin GET requests,
// serves them per strategy from the network or the partitions, and owns
// the durable sync and share queues.
type Service struct {
	cfg Config
	log zerolog.Logger

	store   *kvstore.Store
	backend partition.Backend
	parts   map[string]*partition.Partition
	meta    *partition.Partition

	fetcher *fetcher
	build   *buildTracker
	clients *clientHub
	metrics *metrics
	stats   *statsCollector

	proxy     *httputil.ReverseProxy
	router    chi.Router
	originLog *rateLimitedLogger

	state     atomic.Int32
	syncGroup singleflight.Group

	bgSem chan struct{}

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewService(cfg Config, log zerolog.Logger) (*Service, error) {
	store, backend, err := openStorage(cfg)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		cfg:       cfg,
		log:       log,
		store:     store,
		backend:   backend,
		parts:     make(map[string]*partition.Partition, len(partitionKinds)),
		meta:      partition.Open(backend, cfg.Cache.MetadataName),
		fetcher:   newFetcher(cfg, log),
		clients:   newClientHub(32),
		metrics:   newMetrics(),
		stats:     newStatsCollector(),
		originLog: newRateLimitedLogger(log, time.Minute),
		bgSem:     make(chan struct{}, 32),
		baseCtx:   ctx,
		cancel:    cancel,
	}
	for _, kind := range partitionKinds {
		s.parts[kind] = partition.Open(backend, cfg.PartitionName(kind))
	}
	s.build = newBuildTracker(s.meta, s.fetchRoot, log)
	s.proxy = s.newProxy()
	s.router = s.routes()

	if cfg.logStatsEveryDur > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(cfg.logStatsEveryDur)
		}()
	}

	log.Info().
		Str("origin", cfg.Server.Origin).
		Str("storage", cfg.Storage.Provider).
		Msg("offline engine initialised")
	return s, nil
}

func openStorage(cfg Config) (*kvstore.Store, partition.Backend, error) {
	if cfg.Storage.Provider == "memory" {
		store, err := kvstore.Open("")
		if err != nil {
			return nil, nil, err
		}
		backend, err := partition.NewLevelDB("")
		if err != nil {
			_ = store.Close()
			return nil, nil, err
		}
		return store, backend, nil
	}

	if err := os.MkdirAll(cfg.Storage.Path, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create storage dir: %w", err)
	}
	store, err := kvstore.Open(filepath.Join(cfg.Storage.Path, "store"))
	if err != nil {
		return nil, nil, fmt.Errorf("open record store: %w", err)
	}
	var backend partition.Backend
	switch cfg.Storage.Provider {
	case "sqlite":
		backend, err = partition.NewSQLite(filepath.Join(cfg.Storage.Path, "cache.db"))
	default:
		backend, err = partition.NewLevelDB(filepath.Join(cfg.Storage.Path, "cache"))
	}
	if err != nil {
		_ = store.Close()
		return nil, nil, fmt.Errorf("open cache: %w", err)
	}
	return store, backend, nil
}

// Settle waits for detached background work to finish.
func (s *Service) Settle() {
	s.wg.Wait()
}

func (s *Service) Close() error {
	s.cancel()
	s.wg.Wait()
	return errors.Join(s.backend.Close(), s.store.Close())
}

func (s *Service) Handler() http.Handler {
	return s.router
}

func (s *Service) routes() chi.Router {
	r := chi.NewRouter()
	r.Route(controlPath, func(r chi.Router) {
		r.Get("/events", s.serveEvents)
		r.Get("/status", s.handleStatus)
		r.Post("/message", s.handleMessage)
		r.Post("/sync", s.handleSyncEvent)
		r.Post("/push", s.handlePush)
		r.Get("/queue", s.handleListQueue)
		r.Post("/queue", s.handleEnqueue)
		r.Get("/shares/{id}", s.handleGetShare)
		r.Delete("/shares/{id}", s.handleDeleteShare)
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	})
	r.Post(s.cfg.Share.Path, s.handleShare)
	r.NotFound(s.handleFetch)
	r.MethodNotAllowed(s.handleFetch)
	return r
}

func (s *Service) partition(kind string) *partition.Partition {
	return s.parts[kind]
}

// handleFetch is the interception point for everything that isn't a control
// route.
func (s *Service) handleFetch(w http.ResponseWriter, r *http.Request) {
	if !s.intercepts(r) {
		s.proxy.ServeHTTP(w, r)
		return
	}
	defer s.recover(w, r)

	ev := s.newFetchEvent(r)
	res := s.dispatch(ev)
	s.metrics.responses.WithLabelValues(ev.strategy.String(), res.Source).Inc()
	s.stats.Observe(res.Source, len(res.Body))
	ev.log.Debug().Int("status", res.Status).Str("source", res.Source).Msg("served")
	writeResponse(w, res)
}

// recover sends the request straight to the origin if a strategy panics.
func (s *Service) recover(w http.ResponseWriter, r *http.Request) {
	if err := recover(); err != nil {
		s.log.WithLevel(zerolog.PanicLevel).Interface("error", err).Str("path", r.URL.Path).Msg("panic in fetch handler")
		s.proxy.ServeHTTP(w, r)
	}
}

// intercepts reports whether r is a same-origin http(s) GET that the engine
// should answer. Nothing is intercepted before activation. An absolute-form
// target only counts as same-origin when it names the origin host; r.Host
// is taken from that same URL, so it proves nothing.
func (s *Service) intercepts(r *http.Request) bool {
	if r.Method != http.MethodGet || s.State() != StateActivated {
		return false
	}
	if !r.URL.IsAbs() {
		return true
	}
	if r.URL.Scheme != "http" && r.URL.Scheme != "https" {
		return false
	}
	return strings.EqualFold(r.URL.Host, s.cfg.originURL.Host)
}

func (s *Service) newProxy() *httputil.ReverseProxy {
	origin := s.cfg.OriginURL()
	p := httputil.NewSingleHostReverseProxy(origin)
	director := p.Director
	p.Director = func(req *http.Request) {
		director(req)
		req.Host = origin.Host
	}
	p.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		s.originLog.Warn(err, "pass-through to origin failed")
		setOfflineHeaders(w.Header(), "bad-gateway")
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}
	return p
}

func writeResponse(w http.ResponseWriter, res response) {
	for k, vs := range res.Header {
		if strings.EqualFold(k, headerName) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setOfflineHeaders(w.Header(), res.Source)
	status := res.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if status == http.StatusNoContent || status == http.StatusNotModified {
		return
	}
	_, _ = w.Write(res.Body)
}

func setOfflineHeaders(h http.Header, source string) {
	if source != "" {
		h.Set(headerName, source)
	}
	// custom headers are invisible to cross-origin scripts unless exposed
	ensureExposedHeader(h, headerName)
}

func ensureExposedHeader(h http.Header, name string) {
	if name == "" {
		return
	}

	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}

	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}

	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

// spawn runs fn detached from the triggering request. Close waits for it.
func (s *Service) spawn(task string, fn func(ctx context.Context) error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.baseCtx, backgroundTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			s.metrics.cacheErrors.WithLabelValues(task).Inc()
			s.log.Warn().Err(err).Str("task", task).Msg("background task failed")
		}
	}()
}

// revalidateAsync is like spawn but bounded by bgSem; when all slots are
// busy the revalidation is dropped. Failures are not reported.
func (s *Service) revalidateAsync(fn func(ctx context.Context) error) {
	select {
	case s.bgSem <- struct{}{}:
	default:
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { <-s.bgSem }()
		ctx, cancel := context.WithTimeout(s.baseCtx, backgroundTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			s.log.Debug().Err(err).Msg("revalidation failed")
		}
	}()
}

// writeThrough stores a successful response under key in the kind
// partition and then enforces that partition's quota.
func (s *Service) writeThrough(kind, key string, res response) {
	if !res.ok() {
		return
	}
	e := entryFor(key, res, s.cfg.ttl)
	s.spawn("cache-put", func(ctx context.Context) error {
		return s.putAndEnforce(ctx, kind, e)
	})
}

func entryFor(key string, res response, ttl time.Duration) partition.Entry {
	return partition.Entry{
		Key:    key,
		Status: res.Status,
		Header: cloneHeader(res.Header),
		Body:   res.Body,
		TTL:    ttl,
	}
}

func (s *Service) putAndEnforce(ctx context.Context, kind string, e partition.Entry) error {
	p := s.partition(kind)
	if err := p.Put(ctx, e); err != nil {
		return fmt.Errorf("put %s %q: %w", p.Name(), e.Key, err)
	}
	return s.enforce(ctx, kind)
}

func (s *Service) enforce(ctx context.Context, kind string) error {
	p := s.partition(kind)
	n, err := enforceQuota(ctx, p, s.cfg.Cache.Limits[kind])
	if n > 0 {
		s.metrics.evictions.WithLabelValues(kind).Add(float64(n))
		s.log.Debug().Str("partition", p.Name()).Int("evicted", n).Msg("quota enforced")
	}
	return err
}

// fetchOrigin performs one bounded origin call and records its latency.
func (s *Service) fetchOrigin(ctx context.Context, class string, fr fetchRequest) (response, error) {
	fr.Timeout = s.cfg.Timeout(class)
	start := time.Now()
	res, err := s.fetcher.do(ctx, fr)
	s.metrics.observeFetch(class, start, err)
	if err != nil {
		s.originLog.Warn(err, "origin unreachable, serving from cache")
	}
	return res, err
}

func (s *Service) fetchRoot(ctx context.Context) (response, error) {
	return s.fetchOrigin(ctx, TimeoutDocument, fetchRequest{URI: "/", NoCache: true})
}

// broadcast sends m to the clients the engine controls and counts it.
func (s *Service) broadcast(m Message) int {
	s.metrics.messages.WithLabelValues(m.Type).Inc()
	return s.clients.Broadcast(m, false)
}

// announce is broadcast including clients that are not controlled yet.
func (s *Service) announce(m Message) int {
	s.metrics.messages.WithLabelValues(m.Type).Inc()
	return s.clients.Broadcast(m, true)
}

// Partition exposes a content partition by kind for inspection tools.
func (s *Service) Partition(kind string) *partition.Partition {
	return s.partition(kind)
}
