package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/trioll/syncengine"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// queue list
	queueListOwner string
	queueListJSON  bool

	// queue dead
	queueDeadJSON bool

	// queue enqueue
	queueEnqueueID       string
	queueEnqueueKind     string
	queueEnqueuePriority string
	queueEnqueuePayload  string
	queueEnqueueOwner    string
	queueEnqueueRetries  int
)

func init() {
	queueListCmd.Flags().StringVar(&queueListOwner, "owner", "", "Only show operations owned by this user")
	queueListCmd.Flags().BoolVar(&queueListJSON, "json", false, "Output raw JSON")

	queueDeadCmd.Flags().BoolVar(&queueDeadJSON, "json", false, "Output raw JSON")

	queueEnqueueCmd.Flags().StringVar(&queueEnqueueID, "id", "", "Operation ID (generated when empty)")
	queueEnqueueCmd.Flags().StringVar(&queueEnqueueKind, "kind", "update", "Operation kind: create, update, delete or raw-send")
	queueEnqueueCmd.Flags().StringVar(&queueEnqueuePriority, "priority", "normal", "Priority: critical, high, normal or low")
	queueEnqueueCmd.Flags().StringVar(&queueEnqueuePayload, "payload", "", "JSON payload")
	queueEnqueueCmd.Flags().StringVar(&queueEnqueueOwner, "owner", "", "Owning user ID")
	queueEnqueueCmd.Flags().IntVar(&queueEnqueueRetries, "max-retries", 0, "Retry budget (0 uses the configured default)")

	queueCmd.AddCommand(queueListCmd, queueDeadCmd, queueEnqueueCmd, queueCancelCmd, queueCleanCmd, queueRequeueCmd)
	rootCmd.AddCommand(queueCmd)
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and edit the offline operation queue",
}

func withEngine(fn func(ctx context.Context, h *engineHandle) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	h, err := openEngine(ctx)
	if err != nil {
		return err
	}
	defer h.Close()
	if err := h.Restore(ctx); err != nil {
		return fmt.Errorf("failed to restore state: %w", err)
	}
	return fn(ctx, h)
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// ============================================================================
// queue list
// ============================================================================

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued operations in drain order",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, h *engineHandle) error {
			ops := h.Queue().Operations()
			if queueListOwner != "" {
				ops = h.Queue().UserOperations(queueListOwner)
			}
			if queueListJSON {
				return printJSON(ops)
			}
			if len(ops) == 0 {
				fmt.Println("Queue is empty.")
				return nil
			}
			for i, op := range ops {
				retries := fmt.Sprintf("%d/%d", op.RetryCount, op.MaxRetries)
				if op.RetryCount > 0 {
					retries = color.New(color.FgYellow).Sprint(retries)
				}
				fmt.Printf("%3d. %s  %-8s %-7s %s  retries %s  expires %s\n",
					i+1, op.ID, op.Priority, op.Kind, op.Target, retries, op.ExpiresAt.Format(time.RFC3339))
				if op.LastError != "" {
					fmt.Printf("     last error: %s\n", op.LastError)
				}
			}
			return nil
		})
	},
}

// ============================================================================
// queue dead
// ============================================================================

var queueDeadCmd = &cobra.Command{
	Use:   "dead",
	Short: "List operations that exhausted their retries",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, h *engineHandle) error {
			dead := h.Queue().DeadOperations()
			if queueDeadJSON {
				return printJSON(dead)
			}
			if len(dead) == 0 {
				fmt.Println("No dead operations.")
				return nil
			}
			for _, d := range dead {
				fmt.Printf("%s  %s  %s  died %s\n", color.New(color.FgRed).Sprint(d.Operation.ID), d.Operation.Kind, d.Operation.Target, d.DeadAt.Format(time.RFC3339))
				fmt.Printf("    reason: %s\n", d.Reason)
			}
			return nil
		})
	},
}

// ============================================================================
// queue enqueue
// ============================================================================

var queueEnqueueCmd = &cobra.Command{
	Use:   "enqueue [target]",
	Short: "Add an operation to the queue",
	Long:  "Add an operation to the queue. Raw-send operations take no target; their payload is a frame envelope.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		priority, err := syncengine.ParsePriority(queueEnqueuePriority)
		if err != nil {
			return err
		}
		op := syncengine.QueuedOperation{
			ID:         queueEnqueueID,
			Kind:       syncengine.OperationKind(queueEnqueueKind),
			Priority:   priority,
			OwnerID:    queueEnqueueOwner,
			MaxRetries: queueEnqueueRetries,
		}
		switch op.Kind {
		case syncengine.KindCreate, syncengine.KindUpdate, syncengine.KindDelete, syncengine.KindRawSend:
		default:
			return fmt.Errorf("unknown kind %q", queueEnqueueKind)
		}
		if len(args) == 1 {
			op.Target = args[0]
		}
		if queueEnqueuePayload != "" {
			if !json.Valid([]byte(queueEnqueuePayload)) {
				return fmt.Errorf("payload is not valid JSON")
			}
			op.Payload = []byte(queueEnqueuePayload)
		}

		return withEngine(func(ctx context.Context, h *engineHandle) error {
			queued, err := h.Queue().Enqueue(ctx, op)
			if err != nil {
				return err
			}
			pos, total, _ := h.Queue().Position(queued.ID)
			fmt.Printf("Queued %s (position %d of %d)\n", queued.ID, pos, total)
			return nil
		})
	},
}

// ============================================================================
// queue cancel / clean / requeue
// ============================================================================

var queueCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Remove a pending operation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, h *engineHandle) error {
			ok, err := h.Queue().CancelOperation(ctx, args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("operation %s is not queued", args[0])
			}
			fmt.Printf("Cancelled %s\n", args[0])
			return nil
		})
	},
}

var queueCleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove expired operations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, h *engineHandle) error {
			n, err := h.Queue().CleanExpiredOperations(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Removed %d expired operation(s)\n", n)
			return nil
		})
	},
}

var queueRequeueCmd = &cobra.Command{
	Use:   "requeue <id>",
	Short: "Move a dead operation back into the queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, h *engineHandle) error {
			op, err := h.Queue().RequeueDead(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Requeued %s with %d retries\n", op.ID, op.MaxRetries)
			return nil
		})
	},
}
