package httpapi

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"time"

	"github.com/DoyleJ11/als-sync-backend/internal/archive"
	"github.com/DoyleJ11/als-sync-backend/internal/engine"
	"github.com/DoyleJ11/als-sync-backend/internal/hub"
	"github.com/DoyleJ11/als-sync-backend/internal/lobby"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const maxCodeAttempts = 8

func GenerateCode() (string, error) {
	const charset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	code := make([]byte, 6)
	for i := 0; i < 6; i++ {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		if err != nil {
			return "", err
		}
		code[i] = charset[num.Int64()]
	}
	return string(code), nil
}

type createMatchResponse struct {
	MatchID string `json:"match_id"`
}

type matchResponse struct {
	Phase      engine.Status `json:"phase"`
	Version    int           `json:"version"`
	NumClients int           `json:"num_clients"`
	Match      engine.State  `json:"match"`
}

func CreateMatch(h *hub.Hub, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		for attempt := 0; attempt < maxCodeAttempts; attempt++ {
			code, err := GenerateCode()
			if err != nil {
				http.Error(w, "failed to generate code", http.StatusInternalServerError)
				return
			}
			if h.Create(code) == nil {
				logger.Debug("collision on code, regenerating", zap.String("code", code))
				continue
			}
			writeJSON(w, http.StatusCreated, createMatchResponse{MatchID: code})
			return
		}
		http.Error(w, "failed to create match", http.StatusServiceUnavailable)
	}
}

// GetMatch serves the live state of a match, or its archived final state once it has
// been removed.
func GetMatch(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		if lb := h.Get(id); lb != nil {
			reply := make(chan lobby.View, 1)
			if err := lb.Send(lobby.GetState{Reply: reply}); err == nil {
				select {
				case v := <-reply:
					writeJSON(w, http.StatusOK, matchResponse{Phase: v.Phase, Version: v.Version, NumClients: v.NumClients, Match: v.State})
					return
				case <-lb.Done():
				case <-time.After(2 * time.Second):
					http.Error(w, "match busy", http.StatusServiceUnavailable)
					return
				}
			}
		}

		final, err := h.Archive().Get(r.Context(), id)
		if errors.Is(err, archive.ErrNotFound) {
			http.Error(w, "match not found", http.StatusNotFound)
			return
		}
		if err != nil {
			http.Error(w, "failed to load match", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, matchResponse{Phase: final.Status, Version: final.Version, Match: final})
	}
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
