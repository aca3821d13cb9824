package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/opd-ai/go-jf-play/internal/capability"
	"github.com/opd-ai/go-jf-play/internal/player"
)

// APIResponse represents a standard API response structure.
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

// SeekRequest moves the playback position.
type SeekRequest struct {
	PositionSeconds float64 `json:"position_seconds"`
}

// TimeUpdateRequest reports the current playback position from the media
// layer. ReadyState mirrors the media element's readiness, 0 meaning no
// data loaded yet.
type TimeUpdateRequest struct {
	PositionSeconds float64 `json:"position_seconds"`
	ReadyState      *int    `json:"ready_state,omitempty"`
}

// CapabilitiesRequest reports the device profile the rendering layer probed
// on its side of the bridge.
type CapabilitiesRequest struct {
	Profile           *capability.Profile `json:"profile"`
	SupportsNativeHLS bool                `json:"supports_native_hls"`
}

// TrackRequest selects an audio or subtitle stream by index. For subtitles,
// -1 turns them off.
type TrackRequest struct {
	Index int `json:"index"`
}

// MediaEventRequest reports a lifecycle event from the media layer.
type MediaEventRequest struct {
	Type string `json:"type"` // playing, paused, resumed, ended
}

// MediaErrorRequest reports a playback error from the media layer. Kind is
// one of hls-network, hls-media, hls-other, or failure; failure carries only
// a reason.
type MediaErrorRequest struct {
	Kind       string `json:"kind"`
	Detail     string `json:"detail,omitempty"`
	Fatal      bool   `json:"fatal,omitempty"`
	StatusCode int    `json:"status_code,omitempty"`
	URL        string `json:"url,omitempty"`
	Generation int64  `json:"generation,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// handleHealth provides a simple health check endpoint.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSONResponse(w, http.StatusOK, APIResponse{
		Success: true,
		Message: "Server is healthy",
		Data: map[string]string{
			"state": s.engine.Status().State,
		},
	})
}

// handlePlay starts playback of the posted item.
func (s *Server) handlePlay(w http.ResponseWriter, r *http.Request) {
	var req PlayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Item.ID == "" {
		s.writeErrorResponse(w, http.StatusBadRequest, "Missing item id", nil)
		return
	}

	if err := s.engine.Play(r.Context(), req); err != nil {
		s.writeErrorResponse(w, http.StatusBadGateway, "Failed to start playback", err)
		return
	}

	s.writeJSONResponse(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    s.engine.Status(),
		Message: "Playback started",
	})
}

// handleStop ends the current playback session.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.engine.Stop(r.Context())
	s.writeJSONResponse(w, http.StatusOK, APIResponse{
		Success: true,
		Message: "Playback stopped",
	})
}

// handleStatus returns the full playback status snapshot.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSONResponse(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    s.engine.Status(),
	})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.engine.controller.Pause()
	s.writeJSONResponse(w, http.StatusOK, APIResponse{Success: true})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.engine.controller.Resume()
	s.writeJSONResponse(w, http.StatusOK, APIResponse{Success: true})
}

func (s *Server) handleSeek(w http.ResponseWriter, r *http.Request) {
	var req SeekRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.PositionSeconds < 0 {
		s.writeErrorResponse(w, http.StatusBadRequest, "Position must be non-negative", nil)
		return
	}
	s.engine.controller.SeekTo(req.PositionSeconds)
	s.writeJSONResponse(w, http.StatusOK, APIResponse{Success: true})
}

// handleRetry restarts playback after a terminal error, resuming near the
// last known position.
func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.controller.Retry(r.Context()); err != nil {
		s.writeErrorResponse(w, http.StatusBadGateway, "Retry failed", err)
		return
	}
	s.writeJSONResponse(w, http.StatusOK, APIResponse{
		Success: true,
		Message: "Playback restarted",
	})
}

// handleSkipActivate presses the skip/play-next affordance.
func (s *Server) handleSkipActivate(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.SkipActivate(r.Context()); err != nil {
		s.writeErrorResponse(w, http.StatusConflict, "Skip activation failed", err)
		return
	}
	s.writeJSONResponse(w, http.StatusOK, APIResponse{Success: true})
}

// handleDismiss hides the current skip/play-next overlay.
func (s *Server) handleDismiss(w http.ResponseWriter, r *http.Request) {
	s.engine.Dismiss()
	s.writeJSONResponse(w, http.StatusOK, APIResponse{Success: true})
}

// handleTimeUpdate feeds a playback position report into the engine.
func (s *Server) handleTimeUpdate(w http.ResponseWriter, r *http.Request) {
	var req TimeUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if s.remote != nil {
		s.remote.UpdateStatus(req.PositionSeconds, req.ReadyState)
	}
	s.engine.HandleTime(req.PositionSeconds)
	s.writeJSONResponse(w, http.StatusOK, APIResponse{Success: true})
}

// handleReportCapabilities ingests the device profile the rendering layer
// probed. Sessions started afterwards negotiate with the reported profile.
func (s *Server) handleReportCapabilities(w http.ResponseWriter, r *http.Request) {
	var req CapabilitiesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Profile == nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "Missing capability profile", nil)
		return
	}

	if s.capCache != nil {
		s.capCache.Store(req.Profile)
	}
	if s.negSwitch != nil && s.negFactory != nil {
		s.negSwitch.Swap(s.negFactory(req.Profile))
	}
	if s.remote != nil {
		s.remote.SetNativeHLS(req.SupportsNativeHLS)
	}

	s.logger.Info("Device capabilities reported",
		"signature", req.Profile.Signature(),
		"native_hls", req.SupportsNativeHLS)
	s.writeJSONResponse(w, http.StatusOK, APIResponse{
		Success: true,
		Message: "Capabilities applied",
	})
}

// handleMediaEvent processes a lifecycle event from the media layer.
func (s *Server) handleMediaEvent(w http.ResponseWriter, r *http.Request) {
	var req MediaEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	switch req.Type {
	case "playing":
		s.engine.controller.HandlePlaying()
	case "paused":
		s.engine.controller.HandlePaused()
	case "resumed":
		s.engine.controller.HandleResumed()
	case "ended":
		s.engine.HandleEnded(r.Context())
	default:
		s.writeErrorResponse(w, http.StatusBadRequest,
			fmt.Sprintf("Unknown event type %q", req.Type), nil)
		return
	}

	s.writeJSONResponse(w, http.StatusOK, APIResponse{Success: true})
}

// handleMediaError routes a media-layer error into the recovery engine.
func (s *Server) handleMediaError(w http.ResponseWriter, r *http.Request) {
	var req MediaErrorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	switch req.Kind {
	case "failure":
		s.engine.controller.HandlePlaybackFailure(r.Context(), req.Reason)
	case "hls-network", "hls-media", "hls-other":
		s.engine.controller.HandleHLSError(r.Context(), player.HLSError{
			Generation: req.Generation,
			Type:       hlsErrorType(req.Kind),
			Detail:     req.Detail,
			Fatal:      req.Fatal,
			StatusCode: req.StatusCode,
			URL:        req.URL,
		})
	default:
		s.writeErrorResponse(w, http.StatusBadRequest,
			fmt.Sprintf("Unknown error kind %q", req.Kind), nil)
		return
	}

	s.writeJSONResponse(w, http.StatusOK, APIResponse{Success: true})
}

func hlsErrorType(kind string) player.HLSErrorType {
	switch kind {
	case "hls-network":
		return player.HLSErrorNetwork
	case "hls-media":
		return player.HLSErrorMedia
	default:
		return player.HLSErrorOther
	}
}

// handleSelectAudio switches the audio track and remembers the choice.
func (s *Server) handleSelectAudio(w http.ResponseWriter, r *http.Request) {
	var req TrackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	s.engine.controller.SelectAudioTrack(r.Context(), req.Index)
	s.writeJSONResponse(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    s.engine.Status(),
	})
}

// handleSelectSubtitle switches the subtitle track, -1 meaning off.
func (s *Server) handleSelectSubtitle(w http.ResponseWriter, r *http.Request) {
	var req TrackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	s.engine.controller.SelectSubtitleTrack(r.Context(), req.Index)
	s.writeJSONResponse(w, http.StatusOK, APIResponse{
		Success: true,
		Data:    s.engine.Status(),
	})
}

// writeJSONResponse writes a JSON response with the specified status code.
func (s *Server) writeJSONResponse(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode JSON response", "error", err)
	}
}

// writeErrorResponse writes an error response with the specified status code
// and message.
func (s *Server) writeErrorResponse(w http.ResponseWriter, statusCode int, message string, err error) {
	s.logger.Error("HTTP error response",
		"status", statusCode,
		"message", message,
		"error", err)

	errorMsg := message
	if err != nil {
		errorMsg = err.Error()
	}

	s.writeJSONResponse(w, statusCode, APIResponse{
		Success: false,
		Error:   errorMsg,
		Message: message,
	})
}
