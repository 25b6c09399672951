package offline0

import (
	"encoding/json"
	"net/http"
)

type PushAction struct {
	Action string `json:"action"`
	Title  string `json:"title"`
	Icon   string `json:"icon,omitempty"`
}

// PushPayload is the notification relayed to clients.
type PushPayload struct {
	Title              string       `json:"title"`
	Body               string       `json:"body"`
	Icon               string       `json:"icon,omitempty"`
	Image              string       `json:"image,omitempty"`
	Badge              string       `json:"badge,omitempty"`
	Actions            []PushAction `json:"actions"`
	RequireInteraction bool         `json:"requireInteraction,omitempty"`
}

// Push broadcasts a NOTIFICATION message and returns how many clients
// received it.
func (s *Service) Push(p PushPayload) int {
	if p.Title == "" {
		p.Title = "Notification"
	}
	if p.Actions == nil {
		p.Actions = []PushAction{}
	}
	return s.broadcast(newMessage(MsgNotification, p))
}

func (s *Service) handlePush(w http.ResponseWriter, r *http.Request) {
	var p PushPayload
	if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid push payload"})
		return
	}
	n := s.Push(p)
	writeJSON(w, http.StatusAccepted, map[string]int{"delivered": n})
}
