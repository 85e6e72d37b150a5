package api

import (
	"net/http"

	"github.com/banshee-data/mocapfusion/internal/dispatch"
	"github.com/banshee-data/mocapfusion/internal/fusion"
	"github.com/banshee-data/mocapfusion/internal/httputil"
	"github.com/banshee-data/mocapfusion/internal/session"
	"github.com/banshee-data/mocapfusion/internal/sinks"
	"github.com/banshee-data/mocapfusion/internal/stream"
	"github.com/banshee-data/mocapfusion/internal/version"
)

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Version  version.Info           `json:"version"`
	Session  session.Status         `json:"session"`
	Sources  []string               `json:"sources"`
	Anchors  map[string]fusion.Pose `json:"anchors,omitempty"`
	Pipeline *fusion.PipelineStats  `json:"pipeline,omitempty"`
	Dispatch *dispatch.Stats        `json:"dispatch,omitempty"`
	UDP      *sinks.UDPStats        `json:"udp,omitempty"`
	Stream   *stream.Stats          `json:"stream,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !httputil.AllowMethods(w, r, http.MethodGet) {
		return
	}
	resp := StatusResponse{
		Version: s.version,
		Session: s.ctrl.Status(),
		Sources: s.sources.Names(),
	}
	if s.registry != nil {
		resp.Anchors = s.registry.Snapshot()
	}
	if s.pipeline != nil {
		st := s.pipeline.Stats()
		resp.Pipeline = &st
	}
	if s.dispatcher != nil {
		st := s.dispatcher.Stats()
		resp.Dispatch = &st
	}
	if s.udp != nil {
		st := s.udp.Stats()
		resp.UDP = &st
	}
	if s.stream != nil {
		st := s.stream.Stats()
		resp.Stream = &st
	}
	httputil.WriteJSONOK(w, resp)
}
