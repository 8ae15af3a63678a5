package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
)

type healthBody struct {
	Status string `json:"status"`
	State  string `json:"state"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	st := s.rt.Status()
	if !st.Connected {
		writeJSON(w, http.StatusServiceUnavailable, healthBody{Status: "unavailable", State: st.State})
		return
	}
	writeJSON(w, http.StatusOK, healthBody{Status: "ok", State: st.State})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.rt.Status())
}

type openRelayBody struct {
	Relay  int    `json:"relay"`
	Hold   string `json:"hold"`
	Opened bool   `json:"opened"`
}

func (s *Server) handleOpenRelay(w http.ResponseWriter, r *http.Request) {
	relay, err := strconv.Atoi(chi.URLParam(r, "relay"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_argument", Detail: "relay must be an integer"})
		return
	}
	hold := DefaultHold
	if v := r.URL.Query().Get("hold"); v != "" {
		hold, err = parseHold(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_argument", Detail: err.Error()})
			return
		}
	}

	ok, err := s.rt.OpenRelay(r.Context(), relay, hold)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, openRelayBody{Relay: relay, Hold: hold.String(), Opened: ok})
}

// parseHold принимает Go-длительность ("5s", "1500ms") или целое число миллисекунд.
func parseHold(v string) (time.Duration, error) {
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("hold %q: want duration like 5s or milliseconds", v)
	}
	return d, nil
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	img, err := s.rt.Snapshot(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", img.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(img.Data)))
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Last-Modified", img.Taken.UTC().Format(http.TimeFormat))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(img.Data)
}

type errorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code, kind := classify(err)
	if code >= http.StatusInternalServerError {
		s.logger.Warn().Err(err).Int("status", code).Msg("request failed")
	}
	var detail string
	if code != http.StatusInternalServerError {
		detail = err.Error()
	}
	writeJSON(w, code, errorBody{Error: kind, Detail: detail})
}
