// Command probectl is the operator CLI for the probehub API.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/probehub/internal/client"
	"github.com/kiranshivaraju/probehub/internal/config"
	"github.com/kiranshivaraju/probehub/internal/coordinator"
	"github.com/kiranshivaraju/probehub/internal/partition"
	"github.com/kiranshivaraju/probehub/pkg/models"
	"github.com/spf13/cobra"
)

type globalFlags struct {
	server   string
	identity string
	header   string
	timeout  time.Duration
	poll     time.Duration
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	g := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:          "probectl",
		Short:        "Operate probehub orchestrator executions",
		Long:         "probectl submits orchestrator executions, follows their progress and reads shared resources.",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&g.server, "server", envOr("PROBEHUB_URL", "http://localhost:8080"), "probehub API base URL")
	rootCmd.PersistentFlags().StringVar(&g.identity, "identity", os.Getenv("PROBEHUB_IDENTITY"), "identity sent to the API")
	rootCmd.PersistentFlags().StringVar(&g.header, "identity-header", envOr("IDENTITY_HEADER", "X-User-Identity"), "header carrying the identity")
	rootCmd.PersistentFlags().DurationVar(&g.timeout, "timeout", 30*time.Second, "per-request timeout")
	rootCmd.PersistentFlags().DurationVar(&g.poll, "poll-interval", time.Second, "status polling interval for --watch")

	rootCmd.AddCommand(newRouteCommand())
	rootCmd.AddCommand(newSubmitCommand(g))
	rootCmd.AddCommand(newStatusCommand(g))
	rootCmd.AddCommand(newResultsCommand(g))
	rootCmd.AddCommand(newCancelCommand(g))
	rootCmd.AddCommand(newResourceCommand(g))

	return rootCmd
}

func (g *globalFlags) client() *client.Client {
	return client.New(g.server, g.identity, client.WithIdentityHeader(g.header))
}

func (g *globalFlags) requestContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), g.timeout)
}

func newRouteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "route <identity>",
		Short: "Print the partition locator and directory of an identity",
		Long:  "Routes an identity locally with PARTITION_SALT, PARTITION_PREFIX and PARTITION_ROOT from the environment.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			salt := os.Getenv("PARTITION_SALT")
			if salt == "" {
				return fmt.Errorf("PARTITION_SALT is required")
			}
			router := partition.NewRouter(config.PartitionConfig{
				Root:   envOr("PARTITION_ROOT", "./data/partitions"),
				Salt:   salt,
				Prefix: envOr("PARTITION_PREFIX", "tenant"),
			})
			identity, ok := router.Normalize(args[0])
			if !ok {
				return fmt.Errorf("identity %q is empty or contains control characters", args[0])
			}
			loc := router.Route(identity)
			return printJSON(cmd.OutOrStdout(), map[string]string{
				"identity": identity,
				"locator":  loc.String(),
				"dir":      router.Dir(loc),
			})
		},
	}
}

func newSubmitCommand(g *globalFlags) *cobra.Command {
	var (
		prompts []string
		dataset string
		limit   int
		name    string
		key     string
		watch   bool
	)

	cmd := &cobra.Command{
		Use:   "submit <configuration-id>",
		Short: "Submit an execution of a configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid configuration id: %w", err)
			}
			if (len(prompts) == 0) == (dataset == "") {
				return fmt.Errorf("exactly one of --prompt or --dataset is required")
			}

			req := client.SubmitRequest{
				Kind:  models.ExecutionKindPromptList,
				Input: models.ExecutionInput{Prompts: prompts, Limit: limit},
			}
			if dataset != "" {
				req.Kind = models.ExecutionKindDataset
				req.Input = models.ExecutionInput{Dataset: dataset, Limit: limit}
			}
			if name != "" {
				req.Name = &name
			}

			ctx, cancel := g.requestContext(cmd)
			sub, err := g.client().Submit(ctx, cfgID, req, key)
			cancel()
			if err != nil {
				return err
			}
			if !watch {
				return printJSON(cmd.OutOrStdout(), sub)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "submitted %s\n", sub.ExecutionID)
			return watchExecution(cmd, g, sub.ExecutionID)
		},
	}

	cmd.Flags().StringArrayVarP(&prompts, "prompt", "p", nil, "prompt to send (repeatable)")
	cmd.Flags().StringVarP(&dataset, "dataset", "d", "", "catalog dataset supplying the prompts")
	cmd.Flags().IntVar(&limit, "limit", 0, "use at most this many prompts (0 = all)")
	cmd.Flags().StringVar(&name, "name", "", "execution name")
	cmd.Flags().StringVar(&key, "idempotency-key", "", "makes retried submissions return the original execution")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "follow progress until the execution finishes")

	return cmd
}

func newStatusCommand(g *globalFlags) *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "status <execution-id>",
		Short: "Show execution status and progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid execution id: %w", err)
			}
			if watch {
				return watchExecution(cmd, g, id)
			}

			ctx, cancel := g.requestContext(cmd)
			defer cancel()
			view, err := g.client().Status(ctx, id)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), view)
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "poll until the execution finishes")
	return cmd
}

func newResultsCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "results <execution-id>",
		Short: "Print the results of a finished execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid execution id: %w", err)
			}
			ctx, cancel := g.requestContext(cmd)
			defer cancel()
			view, err := g.client().Results(ctx, id)
			if client.IsCode(err, "NOT_TERMINAL") {
				return fmt.Errorf("execution %s is still running; try `probectl status --watch %s`", id, id)
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), view)
		},
	}
}

func newCancelCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <execution-id>",
		Short: "Request cancellation of a running execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid execution id: %w", err)
			}
			ctx, cancel := g.requestContext(cmd)
			defer cancel()
			accepted, err := g.client().Cancel(ctx, id)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]bool{"accepted": accepted})
		},
	}
}

func newResourceCommand(g *globalFlags) *cobra.Command {
	var raw bool

	cmd := &cobra.Command{
		Use:   "resource <locator>",
		Short: "Read a shared resource (datasets, datasets/<name>, orchestrators/<id>, schemas/<kind>)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := g.requestContext(cmd)
			defer cancel()
			res, err := g.client().Resource(ctx, args[0])
			if err != nil {
				return err
			}
			if raw {
				return printJSON(cmd.OutOrStdout(), res.Payload)
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}

	cmd.Flags().BoolVar(&raw, "raw", false, "print only the payload")
	return cmd
}

// watchExecution prints one progress line per change and the final status as JSON.
func watchExecution(cmd *cobra.Command, g *globalFlags, id uuid.UUID) error {
	var last string
	view, err := g.client().Watch(cmd.Context(), id, g.poll, func(v *coordinator.StatusView) {
		line := progressLine(v)
		if line != last {
			fmt.Fprintln(cmd.ErrOrStderr(), line)
			last = line
		}
	})
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), view)
}

func progressLine(v *coordinator.StatusView) string {
	var b strings.Builder
	b.WriteString(string(v.Status))
	if p := v.Progress; p != nil {
		fmt.Fprintf(&b, " %d/%d (%.0f%%)", p.Current, p.Total, p.Percentage)
		if p.Message != "" {
			b.WriteString(" " + p.Message)
		}
	}
	return b.String()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
