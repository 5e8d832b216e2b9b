package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	charmlog "github.com/charmbracelet/log"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"fieldrelay/internal/config"
	"fieldrelay/internal/db"
	"fieldrelay/internal/domain"
	"fieldrelay/internal/events"
	"fieldrelay/internal/ledger"
	"fieldrelay/internal/migrate"
	"fieldrelay/internal/pipeline"
	"fieldrelay/internal/remote"
	"fieldrelay/internal/repo"
	"fieldrelay/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "fr",
	Short: "Fieldrelay CLI",
	Long: `Fieldrelay turns field-app form submissions into tasks on a remote work tracker.
- Intake: the webhook server stores every incoming submission in the local inbox.
- Normalize: vendor field shapes (strings, lists, selection objects) collapse to one canonical record via the mapping table in fieldrelay.yml.
- Deliver: each submission becomes a task, custom fields, attachments, and subtasks; the task must succeed, the rest tolerate partial failure.
- Ledger: processed submission ids are remembered so re-delivered webhooks never create duplicate tasks.
- Event log: every delivery outcome is recorded, view with 'fr log tail'.`,
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
	viper.SetEnvPrefix("FIELDRELAY")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().Bool("verbose", false, "debug logging")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(batchCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(remoteCmd())
	rootCmd.AddCommand(submissionCmd())
	rootCmd.AddCommand(ledgerCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(tokenCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the webhook intake server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Intake.Listen
			}
			if addr == "" {
				addr = ":8000"
			}
			conn, err := openDB()
			if err != nil {
				return err
			}
			defer conn.Close()
			logger := newLogger()
			p, err := buildPipeline(cfg, conn, logger)
			if err != nil {
				return err
			}
			handler, err := server.New(server.Config{
				Pipeline: p,
				Repo:     repo.Repo{DB: conn},
				App:      cfg,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: cfg.Intake.JWTSecret},
				Log:      logger,
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
			logger.Info("serving intake API", "addr", addr, "base_path", basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to intake.listen)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func batchCmd() *cobra.Command {
	batch := &cobra.Command{
		Use:   "batch",
		Short: "Batch delivery",
		Long:  "Run many submissions through the pipeline at once: drain the stored inbox, or feed a JSON file exported from the vendor.",
	}
	batch.AddCommand(batchRunCmd())
	return batch
}

func batchRunCmd() *cobra.Command {
	var filePath, ledgerFile string
	var limit int
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Deliver pending submissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger()

			// File mode needs no database: the ledger lives next to the
			// input as a JSON id list.
			if filePath != "" && ledgerFile != "" {
				subs, err := readSubmissionsFile(filePath)
				if err != nil {
					return err
				}
				client, err := newRemoteClient(cfg, logger)
				if err != nil {
					return err
				}
				led := ledger.OpenFile(ledgerFile, logger)
				p := pipeline.New(cfg, client, led, logger)
				sum, err := p.RunBatch(cmd.Context(), subs)
				if perr := printJSONOrTable(sum); perr != nil {
					return perr
				}
				return err
			}

			conn, err := openDB()
			if err != nil {
				return err
			}
			defer conn.Close()
			p, err := buildPipeline(cfg, conn, logger)
			if err != nil {
				return err
			}
			var sum domain.BatchSummary
			if filePath != "" {
				subs, err := readSubmissionsFile(filePath)
				if err != nil {
					return err
				}
				sum, err = p.RunBatch(cmd.Context(), subs)
				if perr := printJSONOrTable(sum); perr != nil {
					return perr
				}
				return err
			}
			sum, err = p.RunPending(cmd.Context(), limit)
			if perr := printJSONOrTable(sum); perr != nil {
				return perr
			}
			return err
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "JSON file with an array of raw submissions (default: drain the inbox)")
	cmd.Flags().StringVar(&ledgerFile, "ledger-file", "", "JSON ledger file; with --file, skips the database entirely")
	cmd.Flags().IntVar(&limit, "limit", 100, "max inbox submissions per run")
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Manual task delivery"}
	task.AddCommand(taskCreateCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var title, jobRef, assignee, received, description, subtask, subtaskAssignee string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create one task by hand, through the full pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			conn, err := openDB()
			if err != nil {
				return err
			}
			defer conn.Close()
			p, err := buildPipeline(cfg, conn, newLogger())
			if err != nil {
				return err
			}
			// A manual submission goes through the same normalize/deliver
			// path a webhook would, so all defaults and the ledger apply.
			m := cfg.Mapping
			raw := domain.RawSubmission{m.Title: title}
			if jobRef != "" {
				raw[m.JobReference] = jobRef
			}
			if assignee != "" {
				raw[m.Assignee] = assignee
			}
			if received != "" {
				raw[m.ReceivedAt] = received
			}
			if description != "" && len(m.Description) > 0 {
				raw[m.Description[0]] = description
			}
			if subtask != "" {
				raw[m.SubtaskName] = subtask
			}
			if subtaskAssignee != "" {
				raw[m.SubtaskAssignee] = subtaskAssignee
			}
			sum, err := p.RunBatch(cmd.Context(), []domain.RawSubmission{raw})
			if perr := printJSONOrTable(sum); perr != nil {
				return perr
			}
			return err
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "task title")
	cmd.Flags().StringVar(&jobRef, "job-reference", "", "job reference custom field")
	cmd.Flags().StringVar(&assignee, "assignee", "", "assignee name")
	cmd.Flags().StringVar(&received, "received", "", "received date (ISO 8601, defaults to now)")
	cmd.Flags().StringVar(&description, "description", "", "task description")
	cmd.Flags().StringVar(&subtask, "subtask", "", "subtask name")
	cmd.Flags().StringVar(&subtaskAssignee, "subtask-assignee", "", "subtask assignee name")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func remoteCmd() *cobra.Command {
	rm := &cobra.Command{Use: "remote", Short: "Remote task service"}
	rm.AddCommand(remoteCheckCmd())
	return rm
}

func remoteCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Verify the remote credential",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			client, err := newRemoteClient(cfg, newLogger())
			if err != nil {
				return err
			}
			name, err := client.Me(cmd.Context())
			if err != nil {
				return err
			}
			return printJSONOrTable(map[string]any{"ok": true, "account": name})
		},
	}
	return cmd
}

func submissionCmd() *cobra.Command {
	sub := &cobra.Command{Use: "submission", Short: "Inspect the inbox"}
	sub.AddCommand(submissionPendingCmd())
	sub.AddCommand(submissionShowCmd())
	return sub
}

func submissionPendingCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List submissions awaiting delivery",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.PendingSubmissions(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Received", "Source"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.ID, s.ReceivedAt, s.Source})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "max rows")
	return cmd
}

func submissionShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one stored submission",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				s, err := r.GetSubmission(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	return cmd
}

func ledgerCmd() *cobra.Command {
	led := &cobra.Command{
		Use:   "ledger",
		Short: "Processed-submission ledger",
	}
	led.AddCommand(ledgerListCmd())
	return led
}

func ledgerListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List processed submissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				entries, err := r.LedgerAll(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Submission", "Task", "Marked At"})
				for _, e := range entries {
					tw.AppendRow(table.Row{e.SubmissionID, e.TaskID, e.MarkedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of every delivery: tasks created, duplicates skipped, partial failures, batch summaries.",
	}
	lg.AddCommand(logTailCmd())
	return lg
}

func logTailCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				evts, err := r.RecentEvents(ctx, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Type", "Submission", "Task"})
				for _, e := range evts {
					tw.AppendRow(table.Row{e.TS, e.Type, e.SubmissionID, e.TaskID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage fieldrelay.yml",
		Long:  "Config is the rulebook: remote credentials and project, the field-mapping table, and intake server settings.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default fieldrelay.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing config")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			// The credential never prints.
			cfg.Remote.Token = ""
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadConfig()
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func tokenCmd() *cobra.Command {
	tok := &cobra.Command{Use: "token", Short: "Operator API tokens"}
	tok.AddCommand(tokenIssueCmd())
	return tok
}

func tokenIssueCmd() *cobra.Command {
	var subject string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a bearer token for the operator endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			token, err := server.NewOperatorToken(cfg.Intake.JWTSecret, subject, ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

// --- helpers ---

func newLogger() *charmlog.Logger {
	logger := charmlog.NewWithOptions(os.Stderr, charmlog.Options{ReportTimestamp: true})
	if viper.GetBool("verbose") {
		logger.SetLevel(charmlog.DebugLevel)
	}
	return logger
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	// Secrets may come from the environment instead of the file.
	if v := viper.GetString("remote-token"); v != "" {
		cfg.Remote.Token = v
	}
	if v := viper.GetString("jwt-secret"); v != "" {
		cfg.Intake.JWTSecret = v
	}
	if v := viper.GetString("webhook-secret"); v != "" {
		cfg.Intake.WebhookSecret = v
	}
	return cfg, nil
}

func openDB() (*sql.DB, error) {
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func newRemoteClient(cfg *config.Config, logger *charmlog.Logger) (*remote.Client, error) {
	return remote.NewClient(remote.Config{
		BaseURL:   cfg.Remote.BaseURL,
		Token:     cfg.Remote.Token,
		ProjectID: cfg.Remote.ProjectID,
		Timeout:   time.Duration(cfg.Remote.TimeoutSeconds) * time.Second,
		Log:       logger,
	})
}

func buildPipeline(cfg *config.Config, conn *sql.DB, logger *charmlog.Logger) (pipeline.Pipeline, error) {
	client, err := newRemoteClient(cfg, logger)
	if err != nil {
		return pipeline.Pipeline{}, err
	}
	r := repo.Repo{DB: conn}
	p := pipeline.New(cfg, client, ledger.NewStore(r, logger), logger)
	p.Repo = &r
	p.Events = &events.Writer{DB: conn}
	return p, nil
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	conn, err := openDB()
	if err != nil {
		return err
	}
	defer conn.Close()
	return fn(ctx, repo.Repo{DB: conn})
}

func readSubmissionsFile(path string) ([]domain.RawSubmission, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var subs []domain.RawSubmission
	if err := json.Unmarshal(data, &subs); err != nil {
		return nil, fmt.Errorf("submissions file %s: %w", path, err)
	}
	return subs, nil
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
