package app

import (
	"time"

	"github.com/EgorLis/fibaro-intercom/internal/intercom"
	ilog "github.com/EgorLis/fibaro-intercom/internal/log"
)

type relayState struct {
	number  int
	open    bool
	changed time.Time
}

// RelayStatus — состояние реле для Status.
type RelayStatus struct {
	Relay   int       `json:"relay"`
	Open    bool      `json:"open"`
	Changed time.Time `json:"changed,omitempty"`
}

func (a *App) setRelay(rs intercom.RelayState, at time.Time) {
	if rs.Relay < 0 || rs.Relay >= len(a.relays) {
		a.logger.Warn().Int(ilog.FieldRelay, rs.Relay).Msg("state change for unknown relay")
		return
	}
	a.mu.Lock()
	sw := &a.relays[rs.Relay]
	changed := sw.open != rs.IsOpen
	sw.open = rs.IsOpen
	sw.changed = at
	a.mu.Unlock()

	if changed {
		a.logger.Info().
			Int(ilog.FieldRelay, rs.Relay).
			Bool("open", rs.IsOpen).
			Msg("relay state changed")
	}
}

// Relay возвращает состояние реле n.
func (a *App) Relay(n int) (RelayStatus, bool) {
	if n < 0 || n >= len(a.relays) {
		return RelayStatus{}, false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.relays[n].status(), true
}

func (r relayState) status() RelayStatus {
	return RelayStatus{Relay: r.number, Open: r.open, Changed: r.changed}
}
