package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"tom/gateway/internal/config"
	"tom/gateway/internal/gateway"
	"tom/gateway/internal/health"
	"tom/gateway/internal/nonce"
	"tom/gateway/internal/rl"
)

type Handlers struct {
	cfg      config.Config
	nonces   nonce.Store
	guard    *rl.Guard
	bandit   *rl.Bandit
	registry *gateway.Registry
}

func NewHandlers(cfg config.Config, nonces nonce.Store, guard *rl.Guard, bandit *rl.Bandit, reg *gateway.Registry) *Handlers {
	return &Handlers{cfg: cfg, nonces: nonces, guard: guard, bandit: bandit, registry: reg}
}

func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := health.CheckAll(ctx, h.cfg, h.nonces)
	w.Header().Set("Content-Type", "application/json")
	if !status.OK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(status)
}

func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	live, recent := h.registry.Snapshots()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"calls_active": h.registry.Count(),
		"calls":        live,
		"recent_calls": recent,
		"backend":      h.cfg.Realtime.Backend,
		"deployment":   h.guard.Status(),
	})
}

func (h *Handlers) HandleDeployment(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(h.guard.Status())
}

func (h *Handlers) HandleListVariants(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"variants": h.guard.Status().Variants,
	})
}

func (h *Handlers) HandleAddVariant(w http.ResponseWriter, r *http.Request) {
	var v rl.Variant
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if err := h.guard.AddVariant(v); err != nil {
		code := http.StatusBadRequest
		if strings.Contains(err.Error(), "cap reached") {
			code = http.StatusConflict
		}
		http.Error(w, err.Error(), code)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "id": v.ID})
}

func (h *Handlers) HandleGetVariant(w http.ResponseWriter, r *http.Request, id string) {
	vh, ok := h.guard.Health(id)
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(vh)
}

func (h *Handlers) HandleRemoveVariant(w http.ResponseWriter, r *http.Request, id string) {
	if err := h.guard.RemoveVariant(id); err != nil {
		code := http.StatusBadRequest
		if strings.Contains(err.Error(), "not active") {
			code = http.StatusNotFound
		}
		http.Error(w, err.Error(), code)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "id": id})
}
