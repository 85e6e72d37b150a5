package api

import (
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"

	"github.com/banshee-data/mocapfusion/internal/httputil"
	"github.com/banshee-data/mocapfusion/internal/sinks"
	"github.com/banshee-data/mocapfusion/internal/storage"
)

func (s *Server) handleRecord(w http.ResponseWriter, r *http.Request) {
	if !httputil.AllowMethods(w, r, http.MethodPost) {
		return
	}
	meta, err := s.ctrl.StartRecord(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, meta)
}

func (s *Server) handleStopRecord(w http.ResponseWriter, r *http.Request) {
	if !httputil.AllowMethods(w, r, http.MethodPost) {
		return
	}
	meta, err := s.ctrl.StopRecord(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, meta)
}

type playResponse struct {
	Session       storage.SessionMetadata `json:"session"`
	StreamingPort int                     `json:"udp.streaming.port"`
	Receiver      string                  `json:"receiver,omitempty"`
}

// handlePlay starts playback of a stored session. When host and port are
// given the caller is registered as a UDP stream receiver.
func (s *Server) handlePlay(w http.ResponseWriter, r *http.Request) {
	if !httputil.AllowMethods(w, r, http.MethodGet, http.MethodPost) {
		return
	}
	sq, ok := s.parseSessionQuery(w, r)
	if !ok {
		return
	}

	host := r.URL.Query().Get("host")
	portParam := r.URL.Query().Get("port")
	var receiver *net.UDPAddr
	if host != "" || portParam != "" {
		if net.ParseIP(host) == nil {
			httputil.BadRequest(w, "Parameter 'host' must be an IP address")
			return
		}
		port, err := strconv.Atoi(portParam)
		if err != nil || port <= 0 || port > 65535 {
			httputil.BadRequest(w, "Parameter 'port' must be between 1 and 65535")
			return
		}
		// resolve before playback starts
		if receiver, err = sinks.ResolveReceiver(host, port); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
	}

	meta, err := s.ctrl.StartPlayback(r.Context(), sq.source, sq.name, sq.start, sq.end)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := playResponse{Session: meta}
	if s.udp != nil {
		resp.StreamingPort = s.udp.LocalPort()
		if receiver != nil {
			resp.Receiver = s.udp.AddReceiverAddr(receiver)
		}
	}
	httputil.WriteJSONOK(w, resp)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if !httputil.AllowMethods(w, r, http.MethodPost) {
		return
	}
	if err := s.ctrl.PausePlayback(); err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, s.ctrl.Status())
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if !httputil.AllowMethods(w, r, http.MethodPost) {
		return
	}
	if err := s.ctrl.ResumePlayback(); err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, s.ctrl.Status())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if !httputil.AllowMethods(w, r, http.MethodPost) {
		return
	}
	if err := s.ctrl.StopPlayback(); err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, s.ctrl.Status())
}

func (s *Server) handleJump(w http.ResponseWriter, r *http.Request) {
	if !httputil.AllowMethods(w, r, http.MethodPost) {
		return
	}
	if r.URL.Query().Get("millis") == "" {
		httputil.BadRequest(w, "Parameter 'millis' is missing")
		return
	}
	millis, err := httputil.QueryInt64(r, "millis", 0)
	if err != nil {
		httputil.BadRequest(w, "Parameter 'millis' contains no number")
		return
	}
	if err := s.ctrl.JumpPlayback(millis); err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, s.ctrl.Status())
}

// handleSession returns the frames of a session window as JSON, or deletes
// the session.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if !httputil.AllowMethods(w, r, http.MethodGet, http.MethodDelete) {
		return
	}
	sq, ok := s.parseSessionQuery(w, r)
	if !ok {
		return
	}
	if r.Method == http.MethodDelete {
		s.deleteSession(w, r, sq)
		return
	}
	sess, err := sq.store.LoadSession(r.Context(), sq.name, sq.start, sq.end)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, sess)
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request, sq sessionQuery) {
	d, ok := sq.store.(storage.Deleter)
	if !ok {
		httputil.MethodNotAllowed(w)
		return
	}
	if rec := s.ctrl.Status().Recording; rec != nil && rec.Source == sq.source && rec.Name == sq.name {
		writeError(w, fmt.Errorf("%w: %s", storage.ErrSessionActive, sq.name))
		return
	}
	if err := d.DeleteSession(r.Context(), sq.name); err != nil {
		writeError(w, err)
		return
	}
	log.Printf("[API] deleted session %s/%s", sq.source, sq.name)
	httputil.WriteJSONOK(w, map[string]string{"deleted": sq.name, "source": sq.source})
}

// handleListSessions lists the sessions of one source, or of every source
// keyed by source name when no source is given.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if !httputil.AllowMethods(w, r, http.MethodGet) {
		return
	}
	source := r.URL.Query().Get("source")
	names := s.sources.Names()
	if source != "" {
		if _, ok := s.sources.Get(source); !ok {
			httputil.NotFound(w, "Source "+source+" not found")
			return
		}
		names = []string{source}
	}

	out := make(map[string][]storage.SessionMetadata, len(names))
	for _, name := range names {
		store, _ := s.sources.Get(name)
		list, err := store.ListSessions(r.Context())
		if err != nil {
			httputil.InternalServerError(w, err.Error())
			return
		}
		if list == nil {
			list = []storage.SessionMetadata{}
		}
		out[name] = list
	}
	if source != "" {
		httputil.WriteJSONOK(w, out[source])
		return
	}
	httputil.WriteJSONOK(w, out)
}
