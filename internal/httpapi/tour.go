package httpapi

import (
	"context"
	"net/http"

	"github.com/openmuse/docent/internal/history"
	"github.com/openmuse/docent/internal/tour"
)

// handleTourStart begins a guided tour. When the body names no stops and a
// saved breakpoint exists, the tour resumes from that breakpoint.
func (s *Server) handleTourStart(w http.ResponseWriter, r *http.Request) {
	var p tour.Params
	if err := decodeJSON(r, &p); err != nil {
		s.writeFault(w, r, err)
		return
	}

	client := clientID(r)
	resumeIndex := 0
	if len(p.Stops) == 0 && s.history != nil {
		bp, ok, err := s.history.LoadBreakpoint(r.Context(), client)
		if err != nil {
			s.logger.Warn("breakpoint load failed", "client_id", client, "error", err)
		} else if ok {
			p.Stops = bp.Stops
			if p.Zone == "" {
				p.Zone = bp.Zone
			}
			if p.Profile == "" {
				p.Profile = bp.Profile
			}
			resumeIndex = bp.StopIndex
		}
	}

	mach := s.tours.Machine(client)
	st, err := mach.Start(p)
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	if resumeIndex > 0 {
		if st, err = mach.Jump(resumeIndex); err != nil {
			s.writeFault(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleTourPause(w http.ResponseWriter, r *http.Request) {
	st, err := s.tours.Machine(clientID(r)).Pause()
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	s.saveBreakpoint(r.Context(), clientID(r), st)
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleTourResume(w http.ResponseWriter, r *http.Request) {
	st, err := s.tours.Machine(clientID(r)).Resume()
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleTourNext(w http.ResponseWriter, r *http.Request) {
	st, err := s.tours.Machine(clientID(r)).Next()
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleTourPrev(w http.ResponseWriter, r *http.Request) {
	st, err := s.tours.Machine(clientID(r)).Prev()
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// jumpRequest is the /tour/jump body.
type jumpRequest struct {
	Index int `json:"index"`
}

func (s *Server) handleTourJump(w http.ResponseWriter, r *http.Request) {
	var body jumpRequest
	if err := decodeJSON(r, &body); err != nil {
		s.writeFault(w, r, err)
		return
	}
	st, err := s.tours.Machine(clientID(r)).Jump(body.Index)
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleTourStop halts the tour. The position is saved first so the visitor
// can come back to it later.
func (s *Server) handleTourStop(w http.ResponseWriter, r *http.Request) {
	client := clientID(r)
	mach := s.tours.Machine(client)

	s.saveBreakpoint(r.Context(), client, mach.State())
	st, err := mach.Stop()
	if err != nil {
		s.writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// handleTourReset destroys the tour state entirely. Always succeeds; a
// repeated reset is a no-op reporting idle.
func (s *Server) handleTourReset(w http.ResponseWriter, r *http.Request) {
	st := s.tours.Reset(clientID(r))
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleTourState(w http.ResponseWriter, r *http.Request) {
	if mach, ok := s.tours.Peek(clientID(r)); ok {
		writeJSON(w, http.StatusOK, mach.State())
		return
	}
	writeJSON(w, http.StatusOK, tour.State{Mode: tour.ModeIdle})
}

// saveBreakpoint persists the tour position. Best-effort: failures log.
func (s *Server) saveBreakpoint(ctx context.Context, client string, st tour.State) {
	if s.history == nil || len(st.Stops) == 0 {
		return
	}
	bp := history.Breakpoint{
		ClientID:  client,
		Zone:      st.Zone,
		Profile:   st.Profile,
		Stops:     st.Stops,
		StopIndex: st.StopIndex,
		Epoch:     st.Epoch,
	}
	if err := s.history.SaveBreakpoint(ctx, bp); err != nil {
		s.logger.Warn("breakpoint save failed", "client_id", client, "error", err)
	}
}
