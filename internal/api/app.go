package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/minewatch/internal/metrics"
	"github.com/kalambet/minewatch/internal/orchestrator"
	"github.com/kalambet/minewatch/internal/overlay"
	"github.com/kalambet/minewatch/internal/storage"
)

const maxLayerBodySize = 4 << 10

// Controller is the watched session as seen by the API and MCP layers.
type Controller interface {
	View() orchestrator.Progress
	Cancel(ctx context.Context) error
	SetLayer(kind overlay.Kind, visible bool, opacity float64) error
	Layer(kind overlay.Kind) orchestrator.LayerSettings
}

// OverlayStore lists drawn overlays.
type OverlayStore interface {
	ListOverlays(ctx context.Context, kind overlay.Kind) ([]storage.Overlay, error)
}

// WatchStore lists past watches.
type WatchStore interface {
	RecentWatches(ctx context.Context, limit int) ([]storage.Watch, error)
}

type AppDeps struct {
	Controller Controller
	Overlays   OverlayStore
	Watches    WatchStore // optional; if nil, /watches returns 404
	Token      string
}

// NewAppHandler serves the read-only feed openly and requires the bearer
// token for routes that change the session.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{"status": "ok"})
	})
	r.Get("/status", handleStatus(deps))
	r.Get("/overlays", handleOverlays(deps))
	if deps.Watches != nil {
		r.Get("/watches", handleWatches(deps))
	}
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))
		r.Post("/cancel", handleCancel(deps))
		r.Patch("/layers/{kind}", handlePatchLayer(deps))
	})
	return r
}

func handleStatus(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, deps.Controller.View())
	}
}

func handleOverlays(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var kind overlay.Kind
		if q := r.URL.Query().Get("kind"); q != "" {
			k, err := overlay.ParseKind(q)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
				return
			}
			kind = k
		}

		overlays, err := deps.Overlays.ListOverlays(r.Context(), kind)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing overlays: %v", err)
			return
		}

		b, err := FeatureCollection(overlays).MarshalJSON()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "encoding overlays: %v", err)
			return
		}
		w.Header().Set("Content-Type", "application/geo+json")
		w.Write(b)
	}
}

func handleWatches(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 20
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "limit must be a positive integer")
				return
			}
			limit = min(n, 200)
		}

		watches, err := deps.Watches.RecentWatches(r.Context(), limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "listing watches: %v", err)
			return
		}
		if watches == nil {
			watches = []storage.Watch{}
		}
		writeJSON(w, watches)
	}
}

func handleCancel(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Controller.Cancel(r.Context()); err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "%v", err)
			return
		}
		writeJSON(w, deps.Controller.View())
	}
}

type layerPatch struct {
	Visible *bool    `json:"visible"`
	Opacity *float64 `json:"opacity"`
}

func handlePatchLayer(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind, err := overlay.ParseKind(chi.URLParam(r, "kind"))
		if err != nil {
			httpError(w, http.StatusNotFound, "not_found_error", "%v", err)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxLayerBodySize)
		defer r.Body.Close()

		var patch layerPatch
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		set := deps.Controller.Layer(kind)
		if patch.Visible != nil {
			set.Visible = *patch.Visible
		}
		if patch.Opacity != nil {
			set.Opacity = *patch.Opacity
		}
		if err := deps.Controller.SetLayer(kind, set.Visible, set.Opacity); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		writeJSON(w, deps.Controller.View().Layers[kind])
	}
}
