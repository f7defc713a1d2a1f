package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"escrowline/internal/config"
	"escrowline/internal/db"
	"escrowline/internal/domain"
	"escrowline/internal/engine"
	"escrowline/internal/engine/auth"
	"escrowline/internal/migrate"
	"escrowline/internal/repo"
	"escrowline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "el",
	Short: "Escrowline CLI",
	Long: `Escrowline holds a job's budget in escrow and releases it milestone by milestone.
- Job: a client's piece of work with a fixed milestone schedule; the full budget
  is locked at creation.
- Milestones: go pending -> submitted -> approved; each approval releases that
  milestone's amount to the talent.
- Disputes: either party can freeze an in-progress job; a configured arbitrator
  resolves it for the talent or for the client.
- Event log: diary of every change, view with 'el log tail'.`,
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
	viper.SetEnvPrefix("ESCROWLINE")
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
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(jobCmd())
	rootCmd.AddCommand(talentCmd())
	rootCmd.AddCommand(milestoneCmd())
	rootCmd.AddCommand(disputeCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(keysCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage workspace config"}
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default escrowline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(c)
		},
	})
	return cfg
}

func jobCmd() *cobra.Command {
	job := &cobra.Command{Use: "job", Short: "Manage jobs"}
	job.AddCommand(jobCreateCmd())
	job.AddCommand(jobShowCmd())
	job.AddCommand(jobListCmd())
	job.AddCommand(jobTransfersCmd())
	return job
}

func jobCreateCmd() *cobra.Command {
	var title string
	var milestones []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a job and lock its budget",
		Long:  "Milestones are given as repeated --milestone \"description:amount\" flags; amounts are integer minor units.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if title == "" {
				return fmt.Errorf("--title required")
			}
			if len(milestones) == 0 {
				return fmt.Errorf("at least one --milestone required")
			}
			descs := make([]domain.Digest, 0, len(milestones))
			amounts := make([]int64, 0, len(milestones))
			for _, spec := range milestones {
				desc, amount, err := parseMilestoneSpec(spec)
				if err != nil {
					return err
				}
				descs = append(descs, desc)
				amounts = append(amounts, amount)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				j, err := e.CreateJob(ctx, actorID(), domain.DigestOf([]byte(title)), descs, amounts)
				if err != nil {
					return err
				}
				return printJSONOrTable(j)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "job title")
	cmd.Flags().StringArrayVar(&milestones, "milestone", nil, "milestone as description:amount (repeatable)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func jobShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <job_id>",
		Short: "Show a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				j, err := e.GetJob(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(j)
			})
		},
	}
	return cmd
}

func jobListCmd() *cobra.Command {
	var client, talent, status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				jobs, err := r.ListJobs(ctx, repo.JobFilters{
					Client: client,
					Talent: talent,
					Status: status,
					Limit:  limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(jobs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Client", "Talent", "Status", "Paid", "Total"})
				for _, j := range jobs {
					talentCol := ""
					if j.Talent != nil {
						talentCol = string(*j.Talent)
					}
					tw.AppendRow(table.Row{j.ID, j.Client, talentCol, j.Status, j.AmountPaid, j.TotalAmount})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&client, "client", "", "filter by client")
	cmd.Flags().StringVar(&talent, "talent", "", "filter by talent")
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().IntVar(&limit, "limit", 50, "max results")
	return cmd
}

func jobTransfersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transfers <job_id>",
		Short: "List fund-transfer instructions for a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				transfers, err := r.ListTransfers(ctx, id)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(transfers)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Kind", "Milestone", "Counterparty", "Amount", "TS"})
				for _, t := range transfers {
					idx := ""
					if t.MilestoneIndex != nil {
						idx = strconv.Itoa(*t.MilestoneIndex)
					}
					tw.AppendRow(table.Row{t.ID, t.Kind, idx, t.Counterparty, t.Amount, t.TS})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func talentCmd() *cobra.Command {
	talent := &cobra.Command{Use: "talent", Short: "Manage the performing party"}
	var talentID string
	sel := &cobra.Command{
		Use:   "select <job_id>",
		Short: "Select the talent for a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if talentID == "" {
				return fmt.Errorf("--talent required")
			}
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				j, err := e.SelectTalent(ctx, actorID(), id, domain.Identity(talentID))
				if err != nil {
					return err
				}
				return printJSONOrTable(j)
			})
		},
	}
	sel.Flags().StringVar(&talentID, "talent", "", "talent identity")
	_ = sel.MarkFlagRequired("talent")
	talent.AddCommand(sel)
	return talent
}

func milestoneCmd() *cobra.Command {
	ms := &cobra.Command{Use: "milestone", Short: "Submit and approve milestones"}
	ms.AddCommand(milestoneSubmitCmd())
	ms.AddCommand(milestoneApproveCmd())
	return ms
}

func milestoneSubmitCmd() *cobra.Command {
	var data string
	cmd := &cobra.Command{
		Use:   "submit <job_id> <index>",
		Short: "Submit work for a milestone",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if data == "" {
				return fmt.Errorf("--data required")
			}
			id, index, err := parseJobIndex(args)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				j, err := e.SubmitMilestone(ctx, actorID(), id, index, domain.DigestOf([]byte(data)))
				if err != nil {
					return err
				}
				return printJSONOrTable(j)
			})
		},
	}
	cmd.Flags().StringVar(&data, "data", "", "submission data (digested)")
	_ = cmd.MarkFlagRequired("data")
	return cmd
}

func milestoneApproveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve <job_id> <index>",
		Short: "Approve a submitted milestone and release its amount",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, index, err := parseJobIndex(args)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				j, err := e.ApproveMilestone(ctx, actorID(), id, index)
				if err != nil {
					return err
				}
				return printJSONOrTable(j)
			})
		},
	}
	return cmd
}

func disputeCmd() *cobra.Command {
	dispute := &cobra.Command{Use: "dispute", Short: "Raise and resolve disputes"}
	dispute.AddCommand(disputeRaiseCmd())
	dispute.AddCommand(disputeResolveCmd())
	return dispute
}

func disputeRaiseCmd() *cobra.Command {
	var index int
	cmd := &cobra.Command{
		Use:   "raise <job_id>",
		Short: "Put an in-progress job on hold",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			var indexPtr *int
			if cmd.Flags().Changed("index") {
				indexPtr = &index
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				j, err := e.RaiseDispute(ctx, actorID(), id, indexPtr)
				if err != nil {
					return err
				}
				return printJSONOrTable(j)
			})
		},
	}
	cmd.Flags().IntVar(&index, "index", 0, "contested milestone index")
	return cmd
}

func disputeResolveCmd() *cobra.Command {
	var index int
	var favor string
	cmd := &cobra.Command{
		Use:   "resolve <job_id>",
		Short: "Resolve a dispute (arbitrators only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			var decision bool
			switch favor {
			case "talent":
				decision = true
			case "client":
				decision = false
			default:
				return fmt.Errorf("--favor must be talent or client")
			}
			var indexPtr *int
			if cmd.Flags().Changed("index") {
				indexPtr = &index
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				j, err := e.ResolveDispute(ctx, actorID(), id, indexPtr, decision)
				if err != nil {
					return err
				}
				return printJSONOrTable(j)
			})
		},
	}
	cmd.Flags().IntVar(&index, "index", 0, "milestone index to resolve")
	cmd.Flags().StringVar(&favor, "favor", "", "who wins: talent or client")
	_ = cmd.MarkFlagRequired("favor")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: job creation, submissions, approvals, and dispute outcomes.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType string
	var jobID int64
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, repo.EventFilters{
					JobID: jobID,
					Type:  evtType,
					Limit: n,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().Int64Var(&jobID, "job", 0, "job id filter")
	return cmd
}

func keysCmd() *cobra.Command {
	keys := &cobra.Command{Use: "keys", Short: "Manage API keys"}
	keys.AddCommand(keysCreateCmd())
	keys.AddCommand(keysListCmd())
	return keys
}

func keysCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key bound to an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				return fmt.Errorf("--actor required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				plaintext, key, err := repo.MintAPIKey(actor, name)
				if err != nil {
					return err
				}
				if err := r.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				fmt.Printf("Key %s created for %s. Plaintext (store it now, not shown again):\n%s\n", key.ID, actor, plaintext)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor id the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func keysListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var legacyHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
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
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("ESCROWLINE_JWT_SECRET"),
				AllowLegacyActorHeader: legacyHeader || cfg.Auth.AllowLegacyActorHeader,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("ESCROWLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			server.StartWebhookDispatcher(e)
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Escrowline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&legacyHeader, "allow-legacy-actor-header", false, "accept unauthenticated X-Actor-Id (dev only)")
	return cmd
}

// --- helpers ---

func actorID() domain.Identity {
	return domain.Identity(viper.GetString("actor-id"))
}

// withEngine opens the workspace and runs fn with the local actor already
// authenticated. Local CLI access trusts --actor-id the way shell access
// trusts $USER; arbitrator standing comes from the config list.
func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	actor := actorID()
	arbitrator := false
	for _, id := range cfg.ArbitratorIdentities() {
		if id == actor {
			arbitrator = true
		}
	}
	ctx = auth.WithPrincipal(ctx, auth.Principal{ID: actor, Arbitrator: arbitrator, Source: "cli"})
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
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

func parseJobID(s string) (domain.JobID, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid job id %q", s)
	}
	return domain.JobID(v), nil
}

func parseJobIndex(args []string) (domain.JobID, int, error) {
	id, err := parseJobID(args[0])
	if err != nil {
		return 0, 0, err
	}
	index, err := strconv.Atoi(strings.TrimSpace(args[1]))
	if err != nil {
		return 0, 0, fmt.Errorf("invalid milestone index %q", args[1])
	}
	return id, index, nil
}

// parseMilestoneSpec splits "description:amount"; the description may itself
// contain colons, so the amount is taken from the last one.
func parseMilestoneSpec(spec string) (domain.Digest, int64, error) {
	i := strings.LastIndex(spec, ":")
	if i <= 0 || i == len(spec)-1 {
		return domain.Digest{}, 0, fmt.Errorf("milestone %q: want description:amount", spec)
	}
	amount, err := strconv.ParseInt(strings.TrimSpace(spec[i+1:]), 10, 64)
	if err != nil {
		return domain.Digest{}, 0, fmt.Errorf("milestone %q: bad amount: %v", spec, err)
	}
	return domain.DigestOf([]byte(strings.TrimSpace(spec[:i]))), amount, nil
}
