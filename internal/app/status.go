package app

import (
	"time"

	"github.com/EgorLis/fibaro-intercom/internal/intercom"
)

// Status — снимок состояния для /status и CLI.
type Status struct {
	SessionID      string        `json:"session_id"`
	State          string        `json:"state"`
	Connected      bool          `json:"connected"`
	ConnectedSince *time.Time    `json:"connected_since,omitempty"`
	Relays         []RelayStatus `json:"relays"`
	LastDoorbell   *Doorbell     `json:"last_doorbell,omitempty"`
	DoorbellCount  int           `json:"doorbell_count"`
	CameraStream   string        `json:"camera_stream,omitempty"`
}

func (a *App) Status() Status {
	state := a.session.State()
	st := Status{
		SessionID:    a.session.ID(),
		State:        state.String(),
		Connected:    state == intercom.StateConnected,
		CameraStream: a.MJPEGURL(),
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	st.Relays = make([]RelayStatus, len(a.relays))
	for i, r := range a.relays {
		st.Relays[i] = r.status()
	}
	if st.Connected && !a.connectedAt.IsZero() {
		since := a.connectedAt
		st.ConnectedSince = &since
	}
	if a.lastBell != nil {
		bell := *a.lastBell
		st.LastDoorbell = &bell
	}
	st.DoorbellCount = a.bells
	return st
}
