package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/trioll/syncengine"
)

var listenRaw bool

func init() {
	listenCmd.Flags().BoolVar(&listenRaw, "raw", false, "Print each frame as a JSON line")
	rootCmd.AddCommand(listenCmd)
}

var listenCmd = &cobra.Command{
	Use:   "listen <channel>...",
	Short: "Connect, subscribe and print frames until interrupted",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		h, err := openEngine(ctx)
		if err != nil {
			return err
		}
		defer h.Close()

		h.Connection().OnStateChange(func(old, new syncengine.ConnectionState) {
			fmt.Fprintf(os.Stderr, "%s %s -> %s\n", color.New(color.FgHiBlack).Sprint("state"), old, new)
		})
		h.Connection().OnError(func(err error) {
			fmt.Fprintf(os.Stderr, "%s %v\n", color.New(color.FgRed).Sprint("error"), err)
		})
		if err := h.Start(ctx); err != nil {
			return err
		}

		for _, channel := range args {
			sub, err := h.Channels().Subscribe(ctx, channel, func(env syncengine.Envelope) {
				printFrame(channel, env)
			})
			if err != nil {
				return err
			}
			defer sub.Unsubscribe(context.Background())
		}

		<-ctx.Done()
		return nil
	},
}

func printFrame(channel string, env syncengine.Envelope) {
	if listenRaw {
		data, err := json.Marshal(env)
		if err == nil {
			fmt.Println(string(data))
		}
		return
	}
	fmt.Printf("%s %s %s\n", color.New(color.FgCyan).Sprint(channel), color.New(color.FgYellow).Sprint(env.Type), string(env.Data))
}
