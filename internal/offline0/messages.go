package offline0

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

// Commands a page may post to the engine.
const (
	CmdSkipWaiting  = "SKIP_WAITING"
	CmdCheckStatus  = "CHECK_STATUS"
	CmdForceSync    = "FORCE_SYNC"
	CmdOnlineStatus = "ONLINE_STATUS"
)

type command struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// HandleCommand applies a page command. CHECK_STATUS returns the reply
// message; other commands return nil.
func (s *Service) HandleCommand(ctx context.Context, typ string, data json.RawMessage) (*Message, error) {
	switch typ {
	case CmdSkipWaiting:
		s.SkipWaiting(ctx)
		return nil, nil
	case CmdCheckStatus:
		m := s.readyMessage()
		return &m, nil
	case CmdForceSync:
		s.triggerSync("force")
		return nil, nil
	case CmdOnlineStatus:
		var st struct {
			IsOnline bool `json:"isOnline"`
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &st); err != nil {
				return nil, err
			}
		}
		if st.IsOnline {
			s.triggerSync("online")
		}
		return nil, nil
	}
	return nil, errUnknownCommand
}

var errUnknownCommand = errors.New("unknown command")

func (s *Service) handleMessage(w http.ResponseWriter, r *http.Request) {
	var cmd command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid message"})
		return
	}
	// activation must outlive the posting request
	reply, err := s.HandleCommand(context.WithoutCancel(r.Context()), cmd.Type, cmd.Data)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if reply != nil {
		writeJSON(w, http.StatusOK, reply)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"state": s.State().String()})
}

// handleSyncEvent fires a platform-style sync event. Only the configured
// tag starts a sync cycle.
func (s *Service) handleSyncEvent(w http.ResponseWriter, r *http.Request) {
	var ev struct {
		Tag string `json:"tag"`
	}
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid sync event"})
		return
	}
	if ev.Tag == "" {
		ev.Tag = s.cfg.Sync.Tag
	}
	if ev.Tag != s.cfg.Sync.Tag {
		writeJSON(w, http.StatusOK, map[string]bool{"accepted": false})
		return
	}
	s.triggerSync("sync:" + ev.Tag)
	writeJSON(w, http.StatusAccepted, map[string]bool{"accepted": true})
}

func (s *Service) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "read body"})
		return
	}
	item, err := s.EnqueueSync(body)
	if errors.Is(err, errInvalidPayload) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err != nil {
		s.log.Error().Err(err).Msg("enqueue sync item")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "enqueue failed"})
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

func (s *Service) handleListQueue(w http.ResponseWriter, r *http.Request) {
	items, err := s.PendingSync()
	if err != nil {
		s.log.Error().Err(err).Msg("list sync queue")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "list failed"})
		return
	}
	if items == nil {
		items = []SyncItem{}
	}
	writeJSON(w, http.StatusOK, items)
}

// Status is a point-in-time view of the engine.
type Status struct {
	State       string         `json:"state"`
	BuildID     string         `json:"buildId"`
	Clients     int            `json:"clients"`
	Entries     map[string]int `json:"entries"`
	PendingSync int            `json:"pendingSync"`
}

func (s *Service) Status(ctx context.Context) Status {
	pending, err := s.PendingSync()
	if err != nil {
		s.log.Warn().Err(err).Msg("count pending sync items")
	}
	id := s.build.Current()
	if id == "" {
		id = unknownBuild
	}
	return Status{
		State:       s.State().String(),
		BuildID:     id,
		Clients:     s.clients.Len(),
		Entries:     s.PartitionCounts(ctx),
		PendingSync: len(pending),
	}
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Status(r.Context()))
}
