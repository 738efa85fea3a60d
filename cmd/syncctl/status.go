package main

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/trioll/syncengine"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and queue statistics",
	Long:  "Display the current configuration and aggregate counts from the persisted queue and status cache.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Socket URL:  %s\n", valueOrDefault(cfg.Default.URL, "(not set)"))
		fmt.Printf("  API URL:     %s\n", valueOrDefault(cfg.Default.APIURL, "(not set)"))
		if cfg.Default.Token != "" {
			fmt.Printf("  Token:       %s\n", maskKey(cfg.Default.Token))
		} else {
			fmt.Println("  Token:       (not set)")
		}
		fmt.Printf("  Store:       %s\n", valueOrDefault(cfg.Store.Driver, "sqlite"))

		if cfg.Default.URL == "" {
			return nil
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		h, err := openEngine(ctx)
		if err != nil {
			fmt.Printf("\n  Error opening store: %v\n", err)
			return nil
		}
		defer h.Close()
		if err := h.Restore(ctx); err != nil {
			fmt.Printf("\n  Error restoring state: %v\n", err)
			return nil
		}

		st := h.Status().Statistics()
		fmt.Println()
		fmt.Println("Queue:")
		fmt.Printf("  Depth:       %d\n", st.QueueDepth)
		dead := fmt.Sprint(st.DeadOperations)
		if st.DeadOperations > 0 {
			dead = color.New(color.FgRed).Sprint(dead)
		}
		fmt.Printf("  Dead:        %s\n", dead)
		fmt.Printf("  Cached:      %d\n", st.CachedEntries)
		fmt.Printf("  Throughput:  %.1f ops/min (estimate)\n", st.ThroughputPerMinute)

		fmt.Println()
		fmt.Println("By status:")
		for _, s := range []syncengine.QueueStatus{
			syncengine.StatusPending,
			syncengine.StatusProcessing,
			syncengine.StatusRetrying,
			syncengine.StatusCompleted,
			syncengine.StatusFailed,
			syncengine.StatusCancelled,
		} {
			fmt.Printf("  %-11s  %s\n", s, statusColor(s).Sprint(st.Counts[s]))
		}
		return nil
	},
}

func statusColor(s syncengine.QueueStatus) *color.Color {
	switch s {
	case syncengine.StatusCompleted:
		return color.New(color.FgGreen)
	case syncengine.StatusFailed:
		return color.New(color.FgRed)
	case syncengine.StatusRetrying, syncengine.StatusProcessing:
		return color.New(color.FgYellow)
	case syncengine.StatusCancelled:
		return color.New(color.FgHiBlack)
	default:
		return color.New(color.FgCyan)
	}
}
