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

	"downlink/internal/app"
	"downlink/internal/config"
	"downlink/internal/dispatch"
	"downlink/internal/domain"
	"downlink/internal/query"
	"downlink/internal/search"
	"downlink/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "downlink",
	Short: "Downlink CLI",
	Long: `Downlink orchestrates satellite-data ingest workflows.
Rules say when to start a workflow, the dispatcher turns rule payloads into
running executions, the indexer denormalizes every workflow event into a
searchable record store, and the reaper fails anything stuck running too long.`,
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
	viper.SetEnvPrefix("DOWNLINK")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(ruleCmd())
	rootCmd.AddCommand(scheduleCmd())
	rootCmd.AddCommand(consumeCmd())
	rootCmd.AddCommand(eventCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(searchCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage configuration"}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var stack string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default downlink.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(stack)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&stack, "stack", "downlink", "stack name")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
}

func ruleCmd() *cobra.Command {
	rule := &cobra.Command{Use: "rule", Short: "Manage ingest rules"}
	rule.AddCommand(ruleCreateCmd())
	rule.AddCommand(ruleUpdateCmd())
	rule.AddCommand(ruleDeleteCmd())
	rule.AddCommand(ruleShowCmd())
	rule.AddCommand(ruleListCmd())
	return rule
}

func ruleCreateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a rule from a JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var r domain.Rule
			if err := json.Unmarshal(data, &r); err != nil {
				return fmt.Errorf("decode rule: %w", err)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				created, err := a.Rules.Create(ctx, r)
				if err != nil {
					return err
				}
				return printJSONOrTable(created)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "rule JSON file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func ruleUpdateCmd() *cobra.Command {
	var state, value string
	cmd := &cobra.Command{
		Use:   "update <name>",
		Short: "Update a rule's state or trigger value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			change := map[string]any{}
			if cmd.Flags().Changed("state") {
				change["state"] = state
			}
			if cmd.Flags().Changed("value") {
				change["rule.value"] = value
			}
			if len(change) == 0 {
				return fmt.Errorf("nothing to update; pass --state or --value")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				updated, err := a.Rules.Update(ctx, args[0], change)
				if err != nil {
					return err
				}
				return printJSONOrTable(updated)
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "rule state (ENABLED or DISABLED)")
	cmd.Flags().StringVar(&value, "value", "", "trigger value")
	return cmd
}

func ruleDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a rule and its trigger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Rules.Delete(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("deleted", args[0])
				return nil
			})
		},
	}
}

func ruleShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <name>",
		Short: "Show a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				r, err := a.Rules.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
}

func ruleListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				resp, err := search.New(a.Idx, domain.TypeRule, query.Params{"limit": "100"}).Query(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(resp)
				}
				t := table.NewWriter()
				t.SetOutputMirror(os.Stdout)
				t.AppendHeader(table.Row{"NAME", "WORKFLOW", "TYPE", "STATE"})
				for _, doc := range resp.Results {
					t.AppendRow(table.Row{doc["name"], doc["workflow"], ruleType(doc), doc["state"]})
				}
				t.Render()
				return nil
			})
		},
	}
}

func ruleType(doc map[string]any) any {
	if trigger, ok := doc["rule"].(map[string]any); ok {
		return trigger["type"]
	}
	return ""
}

func scheduleCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Enqueue a workflow start from a dispatch request file",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var req dispatch.Request
			if err := json.Unmarshal(data, &req); err != nil {
				return fmt.Errorf("decode dispatch request: %w", err)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Dispatcher.Schedule(ctx, req)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "dispatch request JSON file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func consumeCmd() *cobra.Command {
	var messages int
	var timeLimit time.Duration
	cmd := &cobra.Command{
		Use:   "consume",
		Short: "Consume the start queue and start executions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				budget := a.Budget()
				if cmd.Flags().Changed("messages") {
					budget.MessageLimit = messages
				}
				if cmd.Flags().Changed("time-limit") {
					budget.TimeLimit = timeLimit
				}
				started, err := a.Dispatcher.RunConsumer(ctx, a.Cfg.Dispatch.StartQueue, budget)
				fmt.Println("started", started, "executions")
				return err
			})
		},
	}
	cmd.Flags().IntVar(&messages, "messages", 1, "message budget")
	cmd.Flags().DurationVar(&timeLimit, "time-limit", 120*time.Second, "time budget")
	return cmd
}

func eventCmd() *cobra.Command {
	event := &cobra.Command{Use: "event", Short: "Process workflow events"}
	event.AddCommand(eventIndexCmd())
	event.AddCommand(eventBroadcastCmd())
	return event
}

func eventIndexCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Index a workflow event from a JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			ev, err := readEvent(file)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Indexer.HandleEvent(ctx, ev)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "event JSON file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func eventBroadcastCmd() *cobra.Command {
	var file, phase string
	cmd := &cobra.Command{
		Use:   "broadcast",
		Short: "Broadcast a workflow event to its topic",
		RunE: func(cmd *cobra.Command, args []string) error {
			ev, err := readEvent(file)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Dispatcher.Broadcast(ctx, ev, dispatch.Phase(phase))
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "event JSON file")
	cmd.Flags().StringVar(&phase, "phase", string(dispatch.PhaseEnd), "broadcast phase (start or end)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func readEvent(file string) (domain.WorkflowEvent, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return domain.WorkflowEvent{}, err
	}
	return domain.ParseEvent(data)
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Fail records stuck running past their timeout",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rep, err := a.Reaper.Sweep(ctx)
				if perr := printJSONOrTable(rep); perr != nil {
					return perr
				}
				return err
			})
		},
	}
}

func searchCmd() *cobra.Command {
	var params []string
	cmd := &cobra.Command{
		Use:   "search <type>",
		Short: "Search indexed records",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			qp := query.Params{}
			for _, p := range params {
				key, value, ok := strings.Cut(p, "=")
				if !ok {
					return fmt.Errorf("parameter %q must be key=value", p)
				}
				qp[key] = value
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var resp search.Response
				var err error
				if args[0] == domain.TypeCollection {
					resp, err = search.NewCollections(a.Idx, qp).Query(ctx)
				} else {
					resp, err = search.New(a.Idx, args[0], qp).Query(ctx)
				}
				if err != nil {
					return err
				}
				a.Metrics.RecordSearch()
				return printJSONOrTable(resp)
			})
		},
	}
	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "filter parameter key=value (repeatable)")
	return cmd
}

func statsCmd() *cobra.Command {
	var params []string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show the operational summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			qp := query.Params{}
			for _, p := range params {
				key, value, ok := strings.Cut(p, "=")
				if !ok {
					return fmt.Errorf("parameter %q must be key=value", p)
				}
				qp[key] = value
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				summary, err := search.Summarize(ctx, a.Idx, qp, time.Now)
				if err != nil {
					return err
				}
				return printJSONOrTable(summary)
			})
		},
	}
	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "filter parameter key=value (repeatable)")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the ops HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if addr == "" {
					addr = a.Cfg.Server.Addr
				}
				handler := server.New(server.Config{
					Idx:      a.Idx,
					Registry: a.Registry,
					Metrics:  a.Metrics,
					Log:      a.Log,
				})
				a.Log.Info().Str("addr", addr).Msg("serving")
				srv := &http.Server{Addr: addr, Handler: handler}
				err := srv.ListenAndServe()
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to config)")
	return cmd
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := config.LoadOptional(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	a, err := app.New(cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
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
