package offline0

import (
	"context"
	"time"
)

// State is the engine lifecycle state.
type State int32

const (
	StateNew State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
)

func (st State) String() string {
	switch st {
	case StateNew:
		return "new"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	}
	return "unknown"
}

func (s *Service) State() State { return State(s.state.Load()) }

func (s *Service) setState(st State) {
	prev := State(s.state.Swap(int32(st)))
	if prev != st {
		s.log.Info().Str("from", prev.String()).Str("to", st.String()).Msg("lifecycle")
	}
}

// Start installs the engine and activates it straight away.
func (s *Service) Start(ctx context.Context) {
	s.Install(ctx)
	s.SkipWaiting(ctx)
}

// Install warms the caches and tells connected clients the engine is
// ready. Precache failures are logged; installation always completes.
func (s *Service) Install(ctx context.Context) {
	s.setState(StateInstalling)
	start := time.Now()
	rep := s.Precache(ctx)
	s.log.Info().
		Int("stored", rep.Stored).
		Int("skipped", rep.Skipped).
		Int("failed", rep.Failed).
		Dur("took", time.Since(start)).
		Msg("precache finished")
	s.setState(StateInstalled)

	s.announce(s.readyMessage())
}

// SkipWaiting activates an installed engine. It is a no-op in any other
// state.
func (s *Service) SkipWaiting(ctx context.Context) {
	if !s.state.CompareAndSwap(int32(StateInstalled), int32(StateActivating)) {
		return
	}
	s.Activate(ctx)
}

// Activate claims clients, drops partitions that are not part of the
// current name set and refreshes the build id.
func (s *Service) Activate(ctx context.Context) {
	s.setState(StateActivating)
	claimed := s.clients.Claim()
	if err := s.cleanupPartitions(ctx); err != nil {
		s.log.Warn().Err(err).Msg("partition cleanup failed")
	}
	id := s.build.Refresh(ctx)
	s.setState(StateActivated)
	s.log.Info().Int("clients", claimed).Str("buildId", id).Msg("engine active")
}

func (s *Service) cleanupPartitions(ctx context.Context) error {
	keep := map[string]struct{}{}
	for _, n := range s.cfg.PartitionNames() {
		keep[n] = struct{}{}
	}
	names, err := s.backend.Names(ctx)
	if err != nil {
		return err
	}
	for _, n := range names {
		if _, ok := keep[n]; ok {
			continue
		}
		if err := s.backend.Drop(ctx, n); err != nil {
			return err
		}
		s.log.Info().Str("partition", n).Msg("dropped stale partition")
	}
	return nil
}
