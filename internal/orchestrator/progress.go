package orchestrator

import (
	"fmt"
	"time"

	"github.com/kalambet/minewatch/internal/analysis"
	"github.com/kalambet/minewatch/internal/overlay"
)

// Step is one stage of the analysis pipeline as shown to users.
type Step struct {
	Status analysis.Status `json:"status"`
	Label  string          `json:"label"`
}

// Steps lists the pipeline stages in order.
var Steps = []Step{
	{analysis.StatusInitializing, "Initializing"},
	{analysis.StatusValidating, "Validating area"},
	{analysis.StatusFetching, "Fetching imagery"},
	{analysis.StatusLoadingModel, "Loading model"},
	{analysis.StatusInferring, "Detecting mining"},
	{analysis.StatusCompleted, "Complete"},
}

// StepIndex returns the position of status in Steps, or prev when the status
// is not a pipeline stage (failed, cancelled or unknown).
func StepIndex(status analysis.Status, prev int) int {
	for i, s := range Steps {
		if s.Status == status {
			return i
		}
	}
	return prev
}

// FormatElapsed renders d as mm:ss. Minutes are not wrapped into hours.
func FormatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int(d / time.Second)
	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}

// LayerSettings is the user's choice for one overlay family.
type LayerSettings struct {
	Visible bool    `json:"visible"`
	Opacity float64 `json:"opacity"`
}

// DefaultLayers is applied when Options.Layers omits a family.
var DefaultLayers = map[overlay.Kind]LayerSettings{
	overlay.KindImagery: {Visible: true, Opacity: 1},
	overlay.KindHeatmap: {Visible: true, Opacity: 0.6},
	overlay.KindPolygon: {Visible: true, Opacity: 0.8},
}

// LayerView reports a layer's settings and what is currently drawn.
type LayerView struct {
	LayerSettings
	// Shown is false while results are withheld below the threshold.
	Shown    bool `json:"shown"`
	Overlays int  `json:"overlays"`
}

// Progress is a read-only view of the current session.
type Progress struct {
	JobID               string                     `json:"job_id,omitempty"`
	State               string                     `json:"state"`
	Status              analysis.Status            `json:"status,omitempty"`
	Percent             int                        `json:"percent"`
	Message             string                     `json:"message,omitempty"`
	Step                int                        `json:"step"`
	StepLabel           string                     `json:"step_label"`
	Elapsed             time.Duration              `json:"-"`
	ElapsedSeconds      int                        `json:"elapsed_seconds"`
	ElapsedText         string                     `json:"elapsed"`
	TotalTiles          *int                       `json:"total_tiles,omitempty"`
	TilesFetched        *int                       `json:"tiles_fetched,omitempty"`
	AreaKm2             *float64                   `json:"area_km2,omitempty"`
	Tiles               int                        `json:"tiles"`
	MiningTiles         int                        `json:"mining_tiles"`
	Detections          int                        `json:"detections"`
	MaxMiningPercentage float64                    `json:"max_mining_percentage"`
	ResultsVisible      bool                       `json:"results_visible"`
	Layers              map[overlay.Kind]LayerView `json:"layers"`
	Error               string                     `json:"error,omitempty"`
}
