package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/finitoshi/chibi/pkg/gateway"
	"github.com/finitoshi/chibi/pkg/telegram"
)

const (
	maxUpdateBytes = 1 << 20

	statusRateLimited = "rate_limited"
	statusInvalidBody = "invalid"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleWebhook accepts one update. Any request carrying the right token is
// answered 200 so the platform does not redeliver it.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if s.secret == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.secret)) != 1 {
		writeJSON(w, http.StatusForbidden, map[string]string{"status": "forbidden"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxUpdateBytes))
	if err != nil {
		s.logger.Warn("read update failed", zap.Error(err))
		writeJSON(w, http.StatusOK, map[string]string{"status": statusInvalidBody})
		return
	}
	var u telegram.Update
	if err := json.Unmarshal(body, &u); err != nil {
		s.logger.Warn("decode update failed", zap.Error(err))
		writeJSON(w, http.StatusOK, map[string]string{"status": statusInvalidBody})
		return
	}

	if in, ok := u.Normalize(); ok && !s.limiter.Allow(in.ChatID) {
		s.logger.Info("update rate limited", zap.String("chat_id", in.ChatID))
		writeJSON(w, http.StatusOK, map[string]string{"status": statusRateLimited})
		return
	}

	res := s.gateway.HandleUpdate(r.Context(), u)
	writeJSON(w, http.StatusOK, map[string]string{"status": res.Status})
}

type generateImageRequest struct {
	Prompt string `json:"prompt"`
}

type generateImageResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	ID      string `json:"id,omitempty"`
}

func (s *Server) handleGenerateImage(w http.ResponseWriter, r *http.Request) {
	var req generateImageRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxUpdateBytes)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, generateImageResponse{Status: "error", Message: "invalid request body"})
		return
	}
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		writeJSON(w, http.StatusBadRequest, generateImageResponse{Status: "error", Message: "no prompt provided"})
		return
	}

	img, err := s.gateway.GenerateImage(r.Context(), "", prompt)
	switch {
	case errors.Is(err, gateway.ErrImagesDisabled):
		writeJSON(w, http.StatusServiceUnavailable, generateImageResponse{Status: "error", Message: err.Error()})
		return
	case err != nil:
		s.logger.Error("image generation failed", zap.Error(err))
		writeJSON(w, http.StatusBadGateway, generateImageResponse{Status: "error", Message: "failed to generate image: " + err.Error()})
		return
	case img.StoreErr != nil:
		s.logger.Error("artifact store failed", zap.Error(img.StoreErr))
		writeJSON(w, http.StatusInternalServerError, generateImageResponse{Status: "error", Message: "image generated but could not be stored"})
		return
	}

	writeJSON(w, http.StatusOK, generateImageResponse{
		Status:  "success",
		Message: "image generated and stored",
		ID:      img.ID,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
