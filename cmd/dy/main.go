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

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"dockyard/internal/config"
	"dockyard/internal/db"
	"dockyard/internal/domain"
	"dockyard/internal/engine"
	"dockyard/internal/events"
	"dockyard/internal/migrate"
	"dockyard/internal/plantree"
	"dockyard/internal/poller"
	"dockyard/internal/repo"
	"dockyard/internal/server"
	"dockyard/internal/terminal"
)

var rootCmd = &cobra.Command{
	Use:   "dy",
	Short: "Dockyard CLI",
	Long: `Dockyard runs automation plans against pluggable terminal services.
Core concepts:
- Workspace: the .dockyard directory holding the database; dockyard.yml next to it configures the hub.
- Plan: a tree of activities (root, optional subplans, activity leaves) that executes in pre-order.
- Terminal: an external HTTP service that registers its activity templates via /discover and runs actions.
- Container: one execution of a plan; it carries the crate payload and can suspend, resume, or be canceled.
- Crates: typed payload envelopes (configuration, reports, event subscriptions) threaded through a run.
- Events: external event reports match active plans' subscriptions and launch or resume containers.
- Polling: recurring jobs that ask terminals for news, with bounded retry budgets.`,
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
	viper.SetEnvPrefix("DOCKYARD")
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
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(nodeCmd())
	rootCmd.AddCommand(containerCmd())
	rootCmd.AddCommand(terminalCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(pollingCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	var hubID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace with a default dockyard.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(hubID)), 0o644); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			fmt.Printf("Initialized workspace: %s and %s\n", path, db.Path(workspace))
			return nil
		},
	}
	cmd.Flags().StringVar(&hubID, "hub-id", "dockyard", "hub identifier")
	return cmd
}

func planCmd() *cobra.Command {
	plan := &cobra.Command{
		Use:   "plan",
		Short: "Manage plans",
		Long:  "Plans are activity trees. They start inactive; activate one to make it visible to event matching, run one to start a container.",
	}
	plan.AddCommand(planCreateCmd())
	plan.AddCommand(planListCmd())
	plan.AddCommand(planShowCmd())
	plan.AddCommand(planActivateCmd())
	plan.AddCommand(planDeactivateCmd())
	plan.AddCommand(planRunCmd())
	plan.AddCommand(planDeleteCmd())
	plan.AddCommand(planTreeCmd())
	return plan
}

func planCreateCmd() *cobra.Command {
	var name, category, planType string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a plan with an empty root node",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				actorID := viper.GetString("actor-id")
				now := time.Now().UTC().Format(time.RFC3339)
				p := domain.Plan{
					ID:        uuid.NewString(),
					Name:      name,
					Category:  category,
					PlanType:  planType,
					State:     domain.PlanStateInactive,
					OwnerID:   actorID,
					CreatedAt: now,
					UpdatedAt: now,
				}
				root := domain.PlanNode{
					ID:     uuid.NewString(),
					PlanID: p.ID,
					Kind:   domain.KindPlan,
					Label:  p.Name,
					State:  domain.ActivityStateUnstarted,
				}
				tx, err := e.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := e.Repo.InsertPlan(ctx, tx, p); err != nil {
					return err
				}
				if err := e.Repo.InsertNode(ctx, tx, root); err != nil {
					return err
				}
				if err := e.Events.Append(ctx, tx, "plan.created", p.ID, "plan", p.ID, actorID, events.EventPayload{"name": p.Name}); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "plan name")
	cmd.Flags().StringVar(&category, "category", "", "category")
	cmd.Flags().StringVar(&planType, "type", domain.PlanTypeOngoing, "plan type (ongoing, run_once)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func planListCmd() *cobra.Command {
	var state string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List plans",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				plans, err := e.Repo.ListPlans(ctx, state)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(plans)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Type", "State", "Owner"})
				for _, p := range plans {
					tw.AppendRow(table.Row{p.ID, p.Name, p.PlanType, p.State, p.OwnerID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "state filter (inactive, active)")
	return cmd
}

func planShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				p, err := e.Repo.GetPlan(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func planActivateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "activate <id>",
		Short: "Activate a plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				p, err := e.ActivatePlan(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func planDeactivateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deactivate <id>",
		Short: "Deactivate a plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				p, err := e.DeactivatePlan(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func planRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <id>",
		Short: "Run a plan and interpret it to its next stop",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				c, err := e.RunPlan(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	return cmd
}

func planDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a plan and its tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.Repo.DeletePlan(ctx, args[0])
			})
		},
	}
	return cmd
}

func planTreeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tree <id>",
		Short: "Print the activity tree of a plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				rows, err := e.Repo.ListPlanNodes(ctx, args[0])
				if err != nil {
					return err
				}
				tree, err := plantree.New(rows)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tree.Nodes())
				}
				root, err := tree.Root()
				if err != nil {
					return err
				}
				fmt.Printf("%s [%s]\n", nodeLabel(*root), root.State)
				children := childIndex(tree.Nodes())
				for i, c := range children[root.ID] {
					printNodeTree(c, children, "", i == len(children[root.ID])-1)
				}
				return nil
			})
		},
	}
	return cmd
}

func nodeCmd() *cobra.Command {
	node := &cobra.Command{
		Use:   "node",
		Short: "Manage plan nodes",
	}
	node.AddCommand(nodeAddCmd())
	node.AddCommand(nodeMoveCmd())
	node.AddCommand(nodeRemoveCmd())
	return node
}

func nodeAddCmd() *cobra.Command {
	var planID, parentID, kind, label, templateID, tokenID, storage string
	var index int
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a node to a plan tree",
		RunE: func(cmd *cobra.Command, args []string) error {
			if planID == "" {
				return fmt.Errorf("--plan required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				rows, err := e.Repo.ListPlanNodes(ctx, planID)
				if err != nil {
					return err
				}
				tree, err := plantree.New(rows)
				if err != nil {
					return err
				}
				parent := parentID
				if parent == "" {
					root, err := tree.Root()
					if err != nil {
						return err
					}
					parent = root.ID
				}
				n := domain.PlanNode{
					ID:           uuid.NewString(),
					PlanID:       planID,
					Kind:         kind,
					Label:        label,
					State:        domain.ActivityStateUnstarted,
					CrateStorage: storage,
				}
				if templateID != "" {
					n.ActivityTemplateID = &templateID
				}
				if tokenID != "" {
					n.AuthTokenID = &tokenID
				}
				idx := index
				if !cmd.Flags().Changed("index") {
					idx = -1
				}
				if err := tree.Insert(parent, idx, n); err != nil {
					return err
				}
				if err := saveTree(ctx, e, planID, tree, "node.added", n.ID); err != nil {
					return err
				}
				saved, err := tree.Get(n.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(saved)
			})
		},
	}
	cmd.Flags().StringVar(&planID, "plan", "", "plan id")
	cmd.Flags().StringVar(&parentID, "parent", "", "parent node id (defaults to root)")
	cmd.Flags().StringVar(&kind, "kind", domain.KindActivity, "node kind (subplan, activity)")
	cmd.Flags().StringVar(&label, "label", "", "label")
	cmd.Flags().IntVar(&index, "index", 0, "position among siblings (defaults to append)")
	cmd.Flags().StringVar(&templateID, "template", "", "activity template id")
	cmd.Flags().StringVar(&tokenID, "token", "", "authorization token id")
	cmd.Flags().StringVar(&storage, "storage", "", "crate storage JSON")
	_ = cmd.MarkFlagRequired("plan")
	return cmd
}

func nodeMoveCmd() *cobra.Command {
	var planID, parentID string
	var index int
	cmd := &cobra.Command{
		Use:   "move <id>",
		Short: "Move a node within its plan tree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if planID == "" || parentID == "" {
				return fmt.Errorf("--plan and --parent required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				rows, err := e.Repo.ListPlanNodes(ctx, planID)
				if err != nil {
					return err
				}
				tree, err := plantree.New(rows)
				if err != nil {
					return err
				}
				if err := tree.Move(args[0], parentID, index); err != nil {
					return err
				}
				if err := saveTree(ctx, e, planID, tree, "node.moved", args[0]); err != nil {
					return err
				}
				saved, err := tree.Get(args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(saved)
			})
		},
	}
	cmd.Flags().StringVar(&planID, "plan", "", "plan id")
	cmd.Flags().StringVar(&parentID, "parent", "", "new parent node id")
	cmd.Flags().IntVar(&index, "index", 0, "position among siblings")
	_ = cmd.MarkFlagRequired("plan")
	return cmd
}

func nodeRemoveCmd() *cobra.Command {
	var planID string
	cmd := &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a node and its subtree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if planID == "" {
				return fmt.Errorf("--plan required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				rows, err := e.Repo.ListPlanNodes(ctx, planID)
				if err != nil {
					return err
				}
				tree, err := plantree.New(rows)
				if err != nil {
					return err
				}
				root, err := tree.Root()
				if err != nil {
					return err
				}
				if root.ID == args[0] {
					return fmt.Errorf("cannot remove the plan root")
				}
				if err := tree.Remove(args[0]); err != nil {
					return err
				}
				return saveTree(ctx, e, planID, tree, "node.removed", args[0])
			})
		},
	}
	cmd.Flags().StringVar(&planID, "plan", "", "plan id")
	_ = cmd.MarkFlagRequired("plan")
	return cmd
}

func containerCmd() *cobra.Command {
	container := &cobra.Command{
		Use:   "container",
		Short: "Manage containers",
		Long:  "Containers are plan executions. Continue resumes a suspended run; cancel requests a stop that takes effect at the next step boundary.",
	}
	container.AddCommand(containerListCmd())
	container.AddCommand(containerShowCmd())
	container.AddCommand(containerContinueCmd())
	container.AddCommand(containerCancelCmd())
	return container
}

func containerListCmd() *cobra.Command {
	var planID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List containers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Repo.ListContainers(ctx, planID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Plan", "State", "Current", "Cancel?"})
				for _, c := range items {
					current := ""
					if c.CurrentNodeID != nil {
						current = *c.CurrentNodeID
					}
					tw.AppendRow(table.Row{c.ID, c.PlanID, c.State, current, c.CancelRequested})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&planID, "plan", "", "plan filter")
	return cmd
}

func containerShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a container",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				c, err := e.Repo.GetContainer(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	return cmd
}

func containerContinueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "continue <id>",
		Short: "Continue a running or suspended container",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				c, err := e.Continue(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	return cmd
}

func containerCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Request cancellation of a container",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if err := e.Repo.RequestContainerCancel(ctx, args[0], time.Now().UTC().Format(time.RFC3339)); err != nil {
					return err
				}
				c, err := e.Repo.GetContainer(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	return cmd
}

func terminalCmd() *cobra.Command {
	term := &cobra.Command{
		Use:   "terminal",
		Short: "Manage terminals",
	}
	term.AddCommand(terminalRegisterCmd())
	term.AddCommand(terminalListCmd())
	term.AddCommand(terminalTemplatesCmd())
	return term
}

func terminalRegisterCmd() *cobra.Command {
	var endpoint, secret string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a terminal by endpoint discovery",
		RunE: func(cmd *cobra.Command, args []string) error {
			if endpoint == "" {
				return fmt.Errorf("--endpoint required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				reg := terminal.Registry{Repo: e.Repo, Client: terminal.NewClient(0)}
				t, templates, err := reg.Register(ctx, endpoint, secret)
				if err != nil {
					return err
				}
				tx, err := e.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := e.Events.Append(ctx, tx, "terminal.registered", "", "terminal", t.ID, viper.GetString("actor-id"), events.EventPayload{"name": t.Name, "version": t.Version}); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"terminal": t, "templates": templates})
			})
		},
	}
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "terminal base URL")
	cmd.Flags().StringVar(&secret, "secret", "", "shared secret (generated if omitted)")
	_ = cmd.MarkFlagRequired("endpoint")
	return cmd
}

func terminalListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List terminals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Repo.ListTerminals(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Version", "Endpoint"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.Name, t.Version, t.Endpoint})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func terminalTemplatesCmd() *cobra.Command {
	var terminalID string
	cmd := &cobra.Command{
		Use:   "templates",
		Short: "List activity templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Repo.ListActivityTemplates(ctx, terminalID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&terminalID, "terminal", "", "terminal filter")
	return cmd
}

func tokenCmd() *cobra.Command {
	token := &cobra.Command{
		Use:   "token",
		Short: "Manage authorization tokens",
	}
	token.AddCommand(tokenAddCmd())
	token.AddCommand(tokenListCmd())
	token.AddCommand(tokenDeleteCmd())
	return token
}

func tokenAddCmd() *cobra.Command {
	var terminalID, externalAccount, value, userID string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Store an external-account credential",
		RunE: func(cmd *cobra.Command, args []string) error {
			if terminalID == "" || externalAccount == "" || value == "" {
				return fmt.Errorf("--terminal, --account, and --value required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				if _, err := e.Repo.GetTerminal(ctx, terminalID); err != nil {
					return err
				}
				owner := userID
				if owner == "" {
					owner = viper.GetString("actor-id")
				}
				tok := domain.AuthorizationToken{
					ID:                uuid.NewString(),
					UserID:            owner,
					TerminalID:        terminalID,
					ExternalAccountID: externalAccount,
					Token:             value,
					CreatedAt:         time.Now().UTC().Format(time.RFC3339),
				}
				tx, err := e.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := e.Repo.InsertAuthToken(ctx, tx, tok); err != nil {
					return err
				}
				if err := e.Events.Append(ctx, tx, "token.created", "", "token", tok.ID, viper.GetString("actor-id"), nil); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				return printJSONOrTable(tok)
			})
		},
	}
	cmd.Flags().StringVar(&terminalID, "terminal", "", "terminal id")
	cmd.Flags().StringVar(&externalAccount, "account", "", "external account id")
	cmd.Flags().StringVar(&value, "value", "", "credential value")
	cmd.Flags().StringVar(&userID, "user", "", "owning user (defaults to actor)")
	return cmd
}

func tokenListCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Repo.ListAuthTokens(ctx, userID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user filter")
	return cmd
}

func tokenDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Revoke a credential",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.Repo.DeleteAuthToken(ctx, args[0])
			})
		},
	}
	return cmd
}

func pollingCmd() *cobra.Command {
	polling := &cobra.Command{
		Use:   "polling",
		Short: "Inspect polling jobs",
	}
	polling.AddCommand(pollingListCmd())
	return polling
}

func pollingListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List polling jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Repo.ListPollingJobs(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Job", "Account", "Interval", "Retries", "Result"})
				for _, j := range items {
					tw.AppendRow(table.Row{j.JobID, j.Data.ExternalAccountID, j.Data.PollingIntervalInMinutes, j.Data.RetryCounter, j.Data.Result})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}
	key.AddCommand(apikeyCreateCmd())
	key.AddCommand(apikeyListCmd())
	key.AddCommand(apikeyDeleteCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var actorID, name, value string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (the value is stored hashed)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" || value == "" {
				return fmt.Errorf("--actor and --value required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				k := domain.APIKey{
					ID:        uuid.NewString(),
					ActorID:   actorID,
					Name:      name,
					KeyHash:   repo.HashAPIKey(value),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := e.Repo.InsertAPIKey(ctx, nil, k); err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{"id": k.ID, "actor_id": k.ActorID, "name": k.Name})
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor the key authenticates")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	cmd.Flags().StringVar(&value, "value", "", "key value")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Repo.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor filter")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var planID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Repo.ListEvents(ctx, n, planID)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&planID, "plan", "", "plan filter")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var legacyActorHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the hub HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			hub, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}

			r := repo.Repo{DB: conn}
			client := terminal.NewClient(0)
			e := &engine.Engine{
				DB:         conn,
				Repo:       r,
				Events:     events.Writer{DB: conn},
				Dispatcher: client,
			}
			registry := terminal.Registry{Repo: r, Client: client}
			sched := &poller.Scheduler{Repo: r, Client: client}
			if hub != nil {
				sched.FallbackInterval = time.Duration(hub.FallbackInterval()) * time.Minute
			}
			alarms := &poller.Alarms{Fire: func(ctx context.Context, containerID string) error {
				_, err := e.Continue(ctx, containerID, "system:alarm")
				return err
			}}

			if hub != nil && len(hub.Terminals) > 0 {
				configured := make([]terminal.ConfiguredTerminal, 0, len(hub.Terminals))
				for _, t := range hub.Terminals {
					configured = append(configured, terminal.ConfiguredTerminal{Name: t.Name, Endpoint: t.Endpoint, Secret: t.Secret})
				}
				for _, syncErr := range registry.SyncConfigured(cmd.Context(), configured) {
					fmt.Fprintln(os.Stderr, "warning:", syncErr)
				}
			}
			if err := sched.Start(cmd.Context()); err != nil {
				return err
			}
			defer sched.Stop()
			defer alarms.Stop()

			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("DOCKYARD_JWT_SECRET"),
				AllowLegacyActorHeader: legacyActorHeader,
			}
			if authCfg.JWTSecret == "" && !legacyActorHeader {
				return fmt.Errorf("DOCKYARD_JWT_SECRET is required for bearer auth (or pass --allow-actor-header for local use)")
			}
			handler, err := server.New(server.Config{
				Engine:   e,
				Poller:   sched,
				Alarms:   alarms,
				Registry: registry,
				Hub:      hub,
				BasePath: basePath,
				Auth:     authCfg,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Dockyard API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&legacyActorHeader, "allow-actor-header", false, "accept X-Actor-Id without credentials (dev only)")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	e := &engine.Engine{
		DB:         conn,
		Repo:       repo.Repo{DB: conn},
		Events:     events.Writer{DB: conn},
		Dispatcher: terminal.NewClient(0),
	}
	return fn(ctx, e)
}

func saveTree(ctx context.Context, e *engine.Engine, planID string, tree *plantree.Tree, evtType, nodeID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.SaveNodes(ctx, tx, planID, tree.Nodes()); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, evtType, planID, "node", nodeID, viper.GetString("actor-id"), nil); err != nil {
		return err
	}
	return tx.Commit()
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

func childIndex(nodes []domain.PlanNode) map[string][]domain.PlanNode {
	children := make(map[string][]domain.PlanNode)
	for _, n := range nodes {
		if n.ParentID != nil {
			children[*n.ParentID] = append(children[*n.ParentID], n)
		}
	}
	return children
}

func nodeLabel(n domain.PlanNode) string {
	if n.Label != "" {
		return n.Label
	}
	return n.ID
}

func printNodeTree(n domain.PlanNode, children map[string][]domain.PlanNode, prefix string, last bool) {
	connector := "├── "
	newPrefix := prefix + "│   "
	if last {
		connector = "└── "
		newPrefix = prefix + "    "
	}
	fmt.Printf("%s%s%s [%s]\n", prefix, connector, nodeLabel(n), n.State)
	for i, c := range children[n.ID] {
		printNodeTree(c, children, newPrefix, i == len(children[n.ID])-1)
	}
}
