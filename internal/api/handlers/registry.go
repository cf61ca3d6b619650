package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"climdex/internal/core"
	"climdex/internal/frequency"
	"climdex/internal/percentile"
	"climdex/internal/threshold"
)

// FrequencyView exposes a frequency with its accepted aliases.
type FrequencyView struct {
	frequency.Frequency
	Aliases []string `json:"aliases"`
}

// RegistryHandler lists the fixed vocabularies thresholds are built from.
type RegistryHandler struct{}

// NewRegistryHandler creates a RegistryHandler.
func NewRegistryHandler() *RegistryHandler {
	return &RegistryHandler{}
}

// RegisterRoutes mounts the registry endpoints at the /v1 root.
func (h *RegistryHandler) RegisterRoutes(r chi.Router) {
	r.Get("/operators", h.HandleOperators)
	r.Get("/interpolations", h.HandleInterpolations)
	r.Get("/frequencies", h.HandleFrequencies)
}

// HandleOperators handles GET /v1/operators.
func (h *RegistryHandler) HandleOperators(w http.ResponseWriter, r *http.Request) {
	ops := threshold.Operators()
	count := len(ops)
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: ops, Meta: &core.ResponseMeta{Count: &count}})
}

// HandleInterpolations handles GET /v1/interpolations. The rule used when a
// request names none is reported under data.default.
func (h *RegistryHandler) HandleInterpolations(w http.ResponseWriter, r *http.Request) {
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: map[string]any{
		"default":        percentile.DefaultInterpolation.Name,
		"interpolations": percentile.Interpolations(),
	}})
}

// HandleFrequencies handles GET /v1/frequencies.
func (h *RegistryHandler) HandleFrequencies(w http.ResponseWriter, r *http.Request) {
	all := frequency.All()
	out := make([]FrequencyView, 0, len(all))
	for _, f := range all {
		out = append(out, FrequencyView{Frequency: f, Aliases: f.Aliases})
	}
	count := len(out)
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: out, Meta: &core.ResponseMeta{Count: &count}})
}
