package offline0

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// statsCollector tracks sizes of responses served from cache or network.
type statsCollector struct {
	served       atomic.Uint64
	servedBytes  atomic.Uint64
	minRespBytes atomic.Uint64
	maxRespBytes atomic.Uint64
	fallbacks    atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) Observe(source string, respBytes int) {
	if source == sourceFallback {
		s.fallbacks.Add(1)
		return
	}
	if respBytes < 0 {
		respBytes = 0
	}
	n := uint64(respBytes)

	s.served.Add(1)
	s.servedBytes.Add(n)

	for {
		cur := s.minRespBytes.Load()
		if n >= cur {
			break
		}
		if s.minRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxRespBytes.Load()
		if n <= cur {
			break
		}
		if s.maxRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

type statsSnapshot struct {
	Served       uint64
	ServedBytes  uint64
	MinRespBytes uint64
	MaxRespBytes uint64
	AvgRespBytes uint64
	Fallbacks    uint64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	count := s.served.Load()
	fallbacks := s.fallbacks.Load()
	if count == 0 {
		return statsSnapshot{Fallbacks: fallbacks}
	}
	minv := s.minRespBytes.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	total := s.servedBytes.Load()
	return statsSnapshot{
		Served:       count,
		ServedBytes:  total,
		MinRespBytes: minv,
		MaxRespBytes: s.maxRespBytes.Load(),
		AvgRespBytes: total / count,
		Fallbacks:    fallbacks,
	}
}

// PartitionCounts returns the entry count of every content partition.
func (s *Service) PartitionCounts(ctx context.Context) map[string]int {
	out := make(map[string]int, len(partitionKinds))
	for _, kind := range partitionKinds {
		n, err := s.partition(kind).Len(ctx)
		if err != nil {
			s.log.Warn().Err(err).Str("partition", kind).Msg("count entries")
			continue
		}
		out[kind] = n
	}
	return out
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.baseCtx.Done():
			return
		case <-t.C:
			s.logStats()
		}
	}
}

func (s *Service) logStats() {
	ctx, cancel := context.WithTimeout(s.baseCtx, 10*time.Second)
	defer cancel()
	ss := s.stats.Snapshot()
	counts := zerolog.Dict()
	for kind, n := range s.PartitionCounts(ctx) {
		counts.Int(kind, n)
	}
	pending, _ := s.PendingSync()
	s.log.Info().
		Dict("entries", counts).
		Int("pendingSync", len(pending)).
		Int("clients", s.clients.Len()).
		Uint64("served", ss.Served).
		Uint64("fallbacks", ss.Fallbacks).
		Str("respMin", formatBytes(ss.MinRespBytes)).
		Str("respAvg", formatBytes(ss.AvgRespBytes)).
		Str("respMax", formatBytes(ss.MaxRespBytes)).
		Msg("stats")
}
