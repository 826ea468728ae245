package handlers

import (
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-broker/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-broker/pkg/pool"
)

// StatsSource snapshots every constructed pool.
type StatsSource interface {
	Stats() []pool.Stats
}

// PoolsResponse is the body of GET /pools.
type PoolsResponse struct {
	Pools []pool.Stats `json:"pools"`
}

// PoolsHandler exposes pool statistics.
type PoolsHandler struct {
	source StatsSource
	logger *zap.Logger
}

// NewPoolsHandler creates a PoolsHandler.
func NewPoolsHandler(source StatsSource, logger *zap.Logger) *PoolsHandler {
	return &PoolsHandler{source: source, logger: logger}
}

// RegisterRoutes registers GET /pools and GET /pools/{name}.
func (h *PoolsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /pools", h.List)
	mux.HandleFunc("GET /pools/{name}", h.Get)
}

// List handles GET /pools. Pools that have not been used yet are not listed.
func (h *PoolsHandler) List(w http.ResponseWriter, r *http.Request) {
	stats := h.source.Stats()
	if stats == nil {
		stats = []pool.Stats{}
	}
	if err := WriteJSON(w, http.StatusOK, PoolsResponse{Pools: stats}); err != nil {
		h.logger.Error("Failed to encode pool stats", zap.Error(err))
	}
}

// Get handles GET /pools/{name}.
func (h *PoolsHandler) Get(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	for _, s := range h.source.Stats() {
		if s.Name == name {
			if err := WriteJSON(w, http.StatusOK, s); err != nil {
				h.logger.Error("Failed to encode pool stats", zap.Error(err))
			}
			return
		}
	}

	if err := WriteError(w, fmt.Errorf("%w: pool %q has not been used", apperrors.ErrNotFound, name)); err != nil {
		h.logger.Error("Failed to write error response", zap.Error(err))
	}
}
