package web

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/relaychat/relay/auth"
	"github.com/relaychat/relay/config"
	"github.com/relaychat/relay/globals"
	"github.com/relaychat/relay/persistence"
	"github.com/relaychat/relay/types"
)

// Handler serves the thin HTTP collaborators next to the websocket
// endpoint: message history, the derived identity and a health probe.
type Handler struct {
	cfg       *config.Config
	persister persistence.Persister
}

func NewHandler(cfg *config.Config, persister persistence.Persister) *Handler {
	return &Handler{cfg: cfg, persister: persister}
}

// Routes registers the api endpoints on router.
func (h *Handler) Routes(router *mux.Router) {
	router.HandleFunc("/api/health", h.Health).Methods(http.MethodGet)
	router.HandleFunc("/api/me", h.Me).Methods(http.MethodGet)
	// any non-empty room name the join path accepts must resolve here too
	router.HandleFunc("/api/channels/{room}/messages", h.History).Methods(http.MethodGet)
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

// Me returns the identity the gateway middleware derived for this request,
// so the front-end can pre-fill the display name.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	identity := auth.FromRequest(r, h.cfg)
	writeJSON(w, identity)
}

// History returns the most recent messages of a room in chronological
// order. An unavailable store yields an empty page, never an error: history
// is a convenience, the live stream is the product.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	room := vars["room"]

	limit := h.cfg.HistoryConfig.HistorySize
	if limit <= 0 {
		limit = 50
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n < 1000 {
			limit = n
		}
	}

	messages := make([]*types.Message, 0)
	if h.persister != nil {
		history, err := h.persister.RoomHistory(room, limit)
		if err != nil {
			globals.AppLogger.Error("could not load history", "room", room, "error", err)
		} else {
			messages = history
		}
	}
	writeJSON(w, messages)
}

func writeJSON(w http.ResponseWriter, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		globals.AppLogger.Error("could not write response", "error", err)
	}
}
