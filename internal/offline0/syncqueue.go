package offline0

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"offline0/internal/kvstore"
)

const syncCollection = "pending-sync"

// SyncItem is a write made while offline, waiting to be replayed to the
// sync endpoint.
type SyncItem struct {
	ID        uint64          `json:"id"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"createdAt"`
}

// SyncReport summarizes one sync cycle. Skipped means the connectivity
// ping failed and nothing was attempted.
type SyncReport struct {
	Skipped   bool `json:"skipped"`
	Attempted int  `json:"attempted"`
	Synced    int  `json:"synced"`
	Failed    int  `json:"failed"`
}

var errInvalidPayload = errors.New("sync payload must be valid JSON")

func (s *Service) syncQueue() *kvstore.Collection {
	return s.store.Collection(syncCollection)
}

// EnqueueSync durably queues data for the next sync cycle.
func (s *Service) EnqueueSync(data json.RawMessage) (SyncItem, error) {
	if !json.Valid(data) {
		return SyncItem{}, errInvalidPayload
	}
	var item SyncItem
	_, err := s.syncQueue().Append(func(id uint64) any {
		item = SyncItem{ID: id, Data: append(json.RawMessage(nil), data...), CreatedAt: time.Now().UTC()}
		return item
	})
	if err != nil {
		return SyncItem{}, err
	}
	s.log.Debug().Uint64("id", item.ID).Msg("sync item queued")
	return item, nil
}

// PendingSync lists queued items, oldest first.
func (s *Service) PendingSync() ([]SyncItem, error) {
	return kvstore.All[SyncItem](s.syncQueue())
}

// RunSync runs one sync cycle. Concurrent callers share the cycle already
// in flight.
func (s *Service) RunSync(ctx context.Context) (SyncReport, error) {
	v, err, shared := s.syncGroup.Do("sync", func() (any, error) {
		return s.syncOnce(ctx)
	})
	if shared {
		s.log.Debug().Msg("joined running sync cycle")
	}
	rep, _ := v.(SyncReport)
	return rep, err
}

// triggerSync starts a detached sync cycle.
func (s *Service) triggerSync(reason string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		rep, err := s.RunSync(s.baseCtx)
		if err != nil {
			s.log.Warn().Err(err).Str("trigger", reason).Msg("sync cycle failed")
			return
		}
		s.log.Info().
			Str("trigger", reason).
			Bool("skipped", rep.Skipped).
			Int("synced", rep.Synced).
			Int("failed", rep.Failed).
			Msg("sync cycle finished")
	}()
}

func (s *Service) syncOnce(ctx context.Context) (SyncReport, error) {
	var rep SyncReport
	endpoint := s.cfg.Sync.Endpoint

	ping, err := s.fetchOrigin(ctx, TimeoutSyncPing, fetchRequest{URI: endpoint + "?action=ping", NoCache: true})
	if err != nil || !ping.ok() {
		s.log.Debug().Err(err).Int("status", ping.Status).Msg("sync endpoint unreachable, keeping queue")
		rep.Skipped = true
		return rep, nil
	}

	items, err := s.PendingSync()
	if err != nil {
		s.broadcast(newMessage(MsgSyncFailed, map[string]any{"error": err.Error()}))
		return rep, fmt.Errorf("read sync queue: %w", err)
	}

	for _, it := range items {
		rep.Attempted++
		res, err := s.fetchOrigin(ctx, TimeoutAPI, fetchRequest{
			Method: http.MethodPost,
			URI:    endpoint,
			Header: http.Header{"Content-Type": []string{"application/json"}},
			Body:   it.Data,
		})
		if err == nil && res.ok() {
			if err := s.syncQueue().Delete(kvstore.FormatID(it.ID)); err != nil {
				s.log.Warn().Err(err).Uint64("id", it.ID).Msg("remove synced item")
			}
			rep.Synced++
			s.metrics.syncItems.WithLabelValues("synced").Inc()
			s.broadcast(newMessage(MsgSyncSuccess, it.Data))
			continue
		}

		reason := fmt.Sprintf("sync endpoint returned %d", res.Status)
		if err != nil {
			reason = err.Error()
		}
		rep.Failed++
		s.metrics.syncItems.WithLabelValues("failed").Inc()
		s.log.Warn().Uint64("id", it.ID).Str("error", reason).Msg("sync item rejected, keeping it queued")
		s.broadcast(newMessage(MsgSyncFailed, failurePayload(it.Data, reason)))
	}
	return rep, nil
}

// failurePayload merges error into the item's JSON object, or wraps
// non-object payloads.
func failurePayload(data json.RawMessage, reason string) map[string]any {
	out := map[string]any{}
	if err := json.Unmarshal(data, &out); err != nil || out == nil {
		out = map[string]any{"payload": data}
	}
	out["error"] = reason
	return out
}
