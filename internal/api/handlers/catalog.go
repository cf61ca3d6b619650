package handlers

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"climdex/internal/catalog"
	"climdex/internal/core"
	"climdex/internal/frequency"
	"climdex/internal/resolve"
	"climdex/internal/threshold"
)

// CatalogEntryView is one catalog entry with the threshold it builds.
type CatalogEntryView struct {
	catalog.Entry
	Threshold *ThresholdView `json:"threshold,omitempty"`
}

// CatalogHandler serves the named threshold catalog.
type CatalogHandler struct {
	catalog CatalogReader
	opts    []threshold.Option
	logger  *slog.Logger
}

// NewCatalogHandler creates a CatalogHandler. opts are used when an entry is
// built for its description.
func NewCatalogHandler(cat CatalogReader, logger *slog.Logger, opts ...threshold.Option) *CatalogHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if cat == nil {
		cat = catalog.Empty()
	}
	return &CatalogHandler{catalog: cat, opts: opts, logger: logger}
}

// RegisterRoutes mounts the catalog endpoints.
func (h *CatalogHandler) RegisterRoutes(r chi.Router) {
	r.Get("/", h.HandleList)
	r.Get("/{name}", h.HandleGet)
}

// HandleList handles GET /v1/catalog.
func (h *CatalogHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	entries := h.catalog.Entries()
	count := len(entries)
	core.JSON(w, r, http.StatusOK, core.APIResponse{
		Data: entries,
		Meta: &core.ResponseMeta{Count: &count},
	})
}

// HandleGet handles GET /v1/catalog/{name}?frequency=. The entry is built so
// the response carries the threshold kind and, unless the threshold waits for
// reference data, its metadata at the requested frequency (day by default).
func (h *CatalogHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	entry, err := h.catalog.Get(name)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	freq := frequency.Day
	if q := r.URL.Query().Get("frequency"); q != "" {
		freq, err = frequency.Lookup(q)
		if err != nil {
			core.Error(w, r, err)
			return
		}
	}

	t, err := h.catalog.Build(r.Context(), name, h.opts...)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	view, err := describe(resolve.Result{Threshold: t, Source: resolve.SourceStatic}, freq)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if view.Deferred {
		view.Source = ""
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: CatalogEntryView{Entry: entry, Threshold: &view}})
}
