package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"bountyline/internal/app"
	"bountyline/internal/db"
	"bountyline/internal/domain"
	"bountyline/internal/ledger"
	"bountyline/internal/lifecycle"
	"bountyline/internal/outcome"
	"bountyline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "bl",
	Short: "Bountyline CLI",
	Long: `Bountyline escrows bounties for tasks and settles them on a ledger.
The lifecycle: a creator posts a task with a bounty (funds move to escrow),
assigns a contributor, the contributor works and marks it complete, and the
creator approves to release the full bounty. Either party can dispute;
an administrator resolves disputes (full payment, refund, or partial).
Ledger and code-host calls run behind circuit breakers, so an outage
degrades to fast failures instead of hung requests.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("BOUNTYLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(installationCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(healthCmd())
	rootCmd.AddCommand(breakerCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func installationCmd() *cobra.Command {
	inst := &cobra.Command{Use: "installation", Short: "Manage installations"}
	inst.AddCommand(installationCreateCmd())
	inst.AddCommand(installationListCmd())
	inst.AddCommand(installationShowCmd())
	inst.AddCommand(installationArchiveCmd())
	return inst
}

func installationCreateCmd() *cobra.Command {
	var opts lifecycle.InstallationCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Onboard an organization",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withStack(cmd.Context(), func(ctx context.Context, s *app.Stack) error {
				inst, err := s.Engine.CreateInstallation(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(inst)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "installation id")
	cmd.Flags().StringVar(&opts.Name, "name", "", "display name")
	cmd.Flags().StringVar(&opts.WalletAddress, "wallet", "", "funding wallet address")
	cmd.Flags().StringVar(&opts.EscrowAccount, "escrow-account", "", "escrow account address")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("wallet")
	return cmd
}

func installationListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List installations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd.Context(), func(ctx context.Context, s *app.Stack) error {
				items, err := s.Engine.Repo.ListInstallations(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Wallet"})
				for _, inst := range items {
					tw.AppendRow(table.Row{inst.ID, inst.Name, inst.Status, inst.WalletAddress})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func installationShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an installation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd.Context(), func(ctx context.Context, s *app.Stack) error {
				inst, err := s.Engine.Repo.GetInstallation(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(inst)
			})
		},
	}
	return cmd
}

func installationArchiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive <id>",
		Short: "Archive an installation, refunding open tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd.Context(), func(ctx context.Context, s *app.Stack) error {
				res := s.Engine.ArchiveInstallation(ctx, args[0], viper.GetString("actor-id"))
				return printOutcome(res)
			})
		},
	}
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage bounty tasks",
		Long:  "Tasks flow open -> assigned -> in_progress -> marked_as_completed -> completed. Refunded and cancelled are exits; disputed freezes the task until an admin resolves it.",
	}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskAssignCmd())
	task.AddCommand(taskStartCmd())
	task.AddCommand(taskCompleteCmd())
	task.AddCommand(taskApproveCmd())
	task.AddCommand(taskDisputeCmd())
	task.AddCommand(taskResolveCmd())
	task.AddCommand(taskBountyCmd())
	task.AddCommand(taskDeleteCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var opts lifecycle.TaskCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Post a bounty task (funds escrow)",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withStack(cmd.Context(), func(ctx context.Context, s *app.Stack) error {
				return printOutcome(s.Engine.CreateTask(ctx, opts))
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "task id (optional)")
	cmd.Flags().StringVar(&opts.InstallationID, "installation", "", "installation id")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.BountyAmount, "bounty", "", "bounty amount, e.g. 100 or 12.5")
	cmd.Flags().StringVar(&opts.Currency, "currency", "", "currency (XLM or USDC)")
	cmd.Flags().IntVar(&opts.TimelineValue, "timeline", 0, "expected timeline value")
	cmd.Flags().StringVar(&opts.TimelineUnit, "timeline-unit", "", "timeline unit (days or weeks)")
	cmd.Flags().StringVar(&opts.IssueRef, "issue", "", "code host issue reference")
	_ = cmd.MarkFlagRequired("installation")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("bounty")
	return cmd
}

func taskListCmd() *cobra.Command {
	var installationID, status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd.Context(), func(ctx context.Context, s *app.Stack) error {
				tasks, err := s.Engine.Repo.ListTasks(ctx, installationID, status)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Bounty", "Contributor"})
				for _, t := range tasks {
					contributor := ""
					if t.ContributorID != nil {
						contributor = *t.ContributorID
					}
					tw.AppendRow(table.Row{t.ID, t.Title, t.Status,
						ledger.FromStroops(t.BountyStroops) + " " + t.Currency, contributor})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&installationID, "installation", "", "installation id filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	return cmd
}

func taskShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd.Context(), func(ctx context.Context, s *app.Stack) error {
				t, err := s.Engine.Repo.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskAssignCmd() *cobra.Command {
	var contributor string
	cmd := &cobra.Command{
		Use:   "assign <id>",
		Short: "Assign a contributor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd.Context(), func(ctx context.Context, s *app.Stack) error {
				return printOutcome(s.Engine.AssignContributor(ctx, args[0], contributor, viper.GetString("actor-id")))
			})
		},
	}
	cmd.Flags().StringVar(&contributor, "contributor", "", "contributor id")
	_ = cmd.MarkFlagRequired("contributor")
	return cmd
}

func taskStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start <id>",
		Short: "Start work (contributor)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd.Context(), func(ctx context.Context, s *app.Stack) error {
				return printOutcome(s.Engine.StartProgress(ctx, args[0], viper.GetString("actor-id")))
			})
		},
	}
}

func taskCompleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "complete <id>",
		Short: "Mark work complete (contributor)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd.Context(), func(ctx context.Context, s *app.Stack) error {
				return printOutcome(s.Engine.MarkCompleted(ctx, args[0], viper.GetString("actor-id")))
			})
		},
	}
}

func taskApproveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve completion, releasing the bounty (creator)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd.Context(), func(ctx context.Context, s *app.Stack) error {
				return printOutcome(s.Engine.Approve(ctx, args[0], viper.GetString("actor-id")))
			})
		},
	}
}

func taskDisputeCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "dispute <id>",
		Short: "Raise a dispute",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd.Context(), func(ctx context.Context, s *app.Stack) error {
				return printOutcome(s.Engine.Dispute(ctx, args[0], viper.GetString("actor-id"), reason))
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "dispute reason")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func taskResolveCmd() *cobra.Command {
	var kind, amount string
	cmd := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Resolve a dispute (admin)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res := domain.Resolution{Kind: kind}
			if kind == domain.ResolvePartialPayment {
				if amount == "" {
					return fmt.Errorf("--amount required for partial payment")
				}
				stroops, err := ledger.ToStroops(amount)
				if err != nil {
					return err
				}
				res.AmountStroops = stroops
			}
			return withStack(cmd.Context(), func(ctx context.Context, s *app.Stack) error {
				// Local CLI runs as operator; admin checks belong to the API.
				return printOutcome(s.Engine.ResolveDispute(ctx, args[0], viper.GetString("actor-id"), true, res))
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "resolution: pay_contributor, refund_creator, or partial_payment")
	cmd.Flags().StringVar(&amount, "amount", "", "amount for partial payment")
	_ = cmd.MarkFlagRequired("kind")
	return cmd
}

func taskBountyCmd() *cobra.Command {
	var amount string
	cmd := &cobra.Command{
		Use:   "bounty <id>",
		Short: "Adjust the bounty amount (creator)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd.Context(), func(ctx context.Context, s *app.Stack) error {
				return printOutcome(s.Engine.AdjustBounty(ctx, args[0], viper.GetString("actor-id"), amount))
			})
		},
	}
	cmd.Flags().StringVar(&amount, "amount", "", "new bounty amount")
	_ = cmd.MarkFlagRequired("amount")
	return cmd
}

func taskDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an open task, refunding the escrow (creator)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd.Context(), func(ctx context.Context, s *app.Stack) error {
				return printOutcome(s.Engine.DeleteTask(ctx, args[0], viper.GetString("actor-id")))
			})
		},
	}
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Probe dependencies and show system health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd.Context(), func(ctx context.Context, s *app.Stack) error {
				snap := s.Monitor.Check(ctx)
				if viper.GetBool("json") {
					return printJSON(snap)
				}
				fmt.Printf("Overall: %s (checked %s)\n", snap.Overall, snap.CheckedAt)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Dependency", "Reachable", "Breaker", "Error"})
				for _, dep := range snap.Dependencies {
					tw.AppendRow(table.Row{dep.Name, dep.Reachable, dep.Breaker, dep.Error})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func breakerCmd() *cobra.Command {
	brk := &cobra.Command{Use: "breaker", Short: "Inspect circuit breakers"}
	brk.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show breaker states",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd.Context(), func(ctx context.Context, s *app.Stack) error {
				type status struct {
					Dependency string `json:"dependency"`
					State      string `json:"state"`
					Failures   uint32 `json:"consecutive_failures"`
				}
				var out []status
				for _, name := range s.Breakers.Names() {
					counts := s.Breakers.GetCounts(name)
					out = append(out, status{
						Dependency: name,
						State:      string(s.Breakers.GetState(name)),
						Failures:   counts.ConsecutiveFailures,
					})
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Dependency", "State", "Consecutive failures"})
				for _, st := range out {
					tw.AppendRow(table.Row{st.Dependency, st.State, st.Failures})
				}
				tw.Render()
				return nil
			})
		},
	})
	return brk
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run a settlement reconciliation pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd.Context(), func(ctx context.Context, s *app.Stack) error {
				report, err := s.Engine.Reconcile(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(report)
			})
		},
	}
}

func logCmd() *cobra.Command {
	logRoot := &cobra.Command{Use: "log", Short: "Event log"}
	logRoot.AddCommand(logTailCmd())
	return logRoot
}

func logTailCmd() *cobra.Command {
	var n int
	var installationID, evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd.Context(), func(ctx context.Context, s *app.Stack) error {
				events, err := s.Engine.Repo.LatestEvents(ctx, n, installationID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&installationID, "installation", "", "installation id filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			stack, err := app.Build(app.Options{Workspace: workspace})
			if err != nil {
				return err
			}
			defer stack.Close()

			authCfg := server.AuthConfig{
				JWTSecret:              stack.Config.Auth.JWTSecret,
				AllowLegacyActorHeader: stack.Config.Auth.AllowLegacyActorHeader,
			}
			if authCfg.JWTSecret == "" {
				authCfg.JWTSecret = os.Getenv("BOUNTYLINE_JWT_SECRET")
			}
			if authCfg.JWTSecret == "" && !authCfg.AllowLegacyActorHeader {
				return fmt.Errorf("BOUNTYLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{
				Engine:   stack.Engine,
				Breakers: stack.Breakers,
				Monitor:  stack.Monitor,
				BasePath: basePath,
				Auth:     authCfg,
			})
			if err != nil {
				return err
			}

			stack.Monitor.Start()
			defer stack.Monitor.Stop()
			loopCtx, cancelLoops := context.WithCancel(cmd.Context())
			defer cancelLoops()
			go stack.Engine.RunReconcileLoop(loopCtx)

			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Bountyline API on http://%s%s (OpenAPI at %s/openapi.json)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withStack(ctx context.Context, fn func(context.Context, *app.Stack) error) error {
	stack, err := app.Build(app.Options{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer stack.Close()
	return fn(ctx, stack)
}

func printOutcome[T any](o outcome.Outcome[T]) error {
	if !o.OK() {
		return o.Err
	}
	if o.Status == outcome.StatusPartial && o.Warning != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", o.Warning)
	}
	return printJSONOrTable(o.Value)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
