package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	syncConnect bool
	syncJSON    bool
)

func init() {
	syncCmd.Flags().BoolVar(&syncConnect, "connect", false, "Open the socket first so raw-send operations can go out")
	syncCmd.Flags().BoolVar(&syncJSON, "json", false, "Output raw JSON")
	rootCmd.AddCommand(syncCmd)
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync pass over the queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, h *engineHandle) error {
			if syncConnect {
				if err := h.Connection().Connect(ctx); err != nil {
					return fmt.Errorf("connect: %w", err)
				}
			}
			res, err := h.StartSync(ctx)
			if err != nil {
				return err
			}
			if syncJSON {
				return printJSON(res)
			}
			fmt.Printf("Successful: %d\n", res.Successful)
			fmt.Printf("Failed:     %d\n", res.Failed)
			if res.Dead > 0 {
				fmt.Printf("Dead:       %d\n", res.Dead)
			}
			if res.Skipped > 0 {
				fmt.Printf("Skipped:    %d\n", res.Skipped)
			}
			if res.Expired > 0 {
				fmt.Printf("Expired:    %d\n", res.Expired)
			}
			fmt.Printf("Remaining:  %d\n", h.Queue().Len())
			return nil
		})
	},
}
