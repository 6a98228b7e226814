package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/minewatch/internal/analysis"
	"github.com/kalambet/minewatch/internal/client"
	"github.com/kalambet/minewatch/internal/config"
	"github.com/kalambet/minewatch/internal/orchestrator"
	"github.com/kalambet/minewatch/internal/poller"
	"github.com/kalambet/minewatch/internal/storage"
)

// --- status ---

var statusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Fetch the current status of an analysis once",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		c, err := newAPIClient(cfg)
		if err != nil {
			return err
		}
		asJSON, _ := cmd.Flags().GetBool("json")
		return showJobStatus(cmd.Context(), c, args[0], asJSON)
	},
}

func init() {
	statusCmd.Flags().Bool("json", false, "print the normalized snapshot as JSON")
}

func showJobStatus(ctx context.Context, c *client.Client, jobID string, asJSON bool) error {
	snap, err := c.FetchStatus(ctx, jobID)
	if err != nil {
		if client.IsNotFound(err) {
			return fmt.Errorf("analysis %s not found", jobID)
		}
		return fmt.Errorf("fetching status: %w", err)
	}

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}

	state, msg := poller.Outcome(snap)
	printStatus("Job", "%s", jobID)
	printStatus("Status", "%s (%s)", snap.Status, state)
	printStatus("Step", "%s", orchestrator.Steps[orchestrator.StepIndex(snap.Status, 0)].Label)
	printStatus("Progress", "%s", progressBar(snap.ProgressPercent))
	if snap.Message != "" {
		printStatus("Message", "%s", snap.Message)
	}
	printTileSummary(snap)
	if state == poller.Failed && msg != "" {
		printError("%s", msg)
	}
	return nil
}

func printTileSummary(snap analysis.Snapshot) {
	if snap.TotalTiles != nil {
		fetched := 0
		if snap.TilesFetched != nil {
			fetched = *snap.TilesFetched
		}
		printStatus("Tiles fetched", "%d/%d", fetched, *snap.TotalTiles)
	}
	if snap.AreaKm2 != nil {
		printStatus("Area", "%.2f km²", *snap.AreaKm2)
	}
	if len(snap.Tiles) > 0 {
		printStatus("Tiles", "%d (%d with mining)", len(snap.Tiles), snap.MiningTiles())
		printStatus("Detections", "%d", snap.DetectionCount())
		printStatus("Max mining", "%.1f%%", snap.MaxMiningPercentage())
	}
}

// --- cancel ---

var cancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Ask the analysis API to stop a running job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		c, err := newAPIClient(cfg)
		if err != nil {
			return err
		}
		if err := c.StopAnalysis(cmd.Context(), args[0]); err != nil {
			return fmt.Errorf("cancelling %s: %w", args[0], err)
		}
		printSuccess("Stop requested for %s", args[0])
		return nil
	},
}

// --- history ---

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recently watched analyses",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("limit")

		store, err := storage.Open(cfg.Storage.DataDir)
		if err != nil {
			return fmt.Errorf("opening storage: %w", err)
		}
		defer store.Close()

		watches, err := store.RecentWatches(cmd.Context(), limit)
		if err != nil {
			return err
		}
		if len(watches) == 0 {
			printWarning("No watches recorded yet")
			return nil
		}
		printWatches(watches)
		return nil
	},
}

func init() {
	historyCmd.Flags().Int("limit", 20, "maximum number of watches to list")
}

func printWatches(watches []storage.Watch) {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tJOB\tSTATE\tPROGRESS\tTILES\tDETECTIONS\tDURATION")
	for _, w := range watches {
		dur := "-"
		if !w.EndedAt.IsZero() {
			dur = w.EndedAt.Sub(w.StartedAt).Round(time.Second).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d%%\t%d\t%d\t%s\n",
			w.StartedAt.Local().Format("2006-01-02 15:04"), w.JobID, stateLabel(w.State),
			w.Percent, w.Tiles, w.Detections, dur)
	}
	tw.Flush()
}

func stateLabel(state string) string {
	switch state {
	case poller.Completed.String():
		return colorize(colorGreen, state)
	case poller.Failed.String():
		return colorize(colorRed, state)
	case poller.Cancelled.String():
		return colorize(colorYellow, state)
	}
	return state
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(out, "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:       "set <key> <value>",
	Short:     "Set a configuration value",
	Args:      cobra.ExactArgs(2),
	ValidArgs: config.ValidKeys(),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := config.SetKey(key, value); err != nil {
			return err
		}
		printSuccess("Set %s", key)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
