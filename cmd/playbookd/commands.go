package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/rendis/playbook/internal/diagram"
	"github.com/rendis/playbook/internal/engine"
	"github.com/rendis/playbook/internal/validation"
	"github.com/rendis/playbook/pkg/mcp"
	"github.com/rendis/playbook/pkg/schema"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the MCP tools over stdio and run scheduled triggers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, loadConfig())
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.scheduler.RecoverMissed(ctx); err != nil {
				a.logger.Warn("missed trigger recovery failed", slog.String("error", err.Error()))
			}
			if err := a.scheduler.Start(ctx); err != nil {
				return err
			}

			srv := mcp.NewPlaybookServer(mcp.ServerDeps{
				Orchestrator: a.orch,
				Catalog:      a.catalog,
				Events:       a.store,
				Tasks:        a.store,
				Triggers:     a.store,
				Scheduler:    a.scheduler,
				Hub:          a.hub,
				Logger:       a.logger,
			})
			a.logger.Info("playbookd serving",
				slog.String("db_driver", a.cfg.DBDriver),
				slog.Int("pool_size", a.cfg.PoolSize),
				slog.Bool("archive", a.cfg.Archive.Enabled()))
			return srv.Serve(ctx)
		},
	}
}

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a playbook definition without storing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfig()
			def, err := readPlaybook(args[0])
			if err != nil {
				return err
			}
			reg, err := newRegistry(cfg, nil)
			if err != nil {
				return err
			}
			v, err := validation.NewPlaybookValidator(reg, validation.WithMaxRetries(cfg.MaxRetries))
			if err != nil {
				return err
			}

			result := v.Validate(cmd.Context(), def)
			err = printJSON(cmd.OutOrStdout(), map[string]any{
				"playbook_id": def.ID,
				"valid":       result.Valid(),
				"errors":      result.Errors,
				"warnings":    result.Warnings,
			})
			if err != nil {
				return err
			}
			if !result.Valid() {
				return fmt.Errorf("playbook %q is invalid", def.ID)
			}
			return nil
		},
	}
}

func newImportCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Store a playbook definition as a new draft version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			activate, _ := cmd.Flags().GetBool("activate")
			def, err := readPlaybook(args[0])
			if err != nil {
				return err
			}

			a, err := newApp(cmd.Context(), loadConfig())
			if err != nil {
				return err
			}
			defer a.Close()

			var stored *schema.PlaybookDefinition
			if activate {
				stored, err = a.catalog.DefineAndActivate(cmd.Context(), def)
			} else {
				stored, err = a.catalog.Define(cmd.Context(), def)
			}
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"playbook_id": stored.ID,
				"version":     stored.Version,
				"status":      stored.Status,
				"digest":      stored.Digest,
			})
		},
	}
	cmd.Flags().Bool("activate", false, "validate and activate the new version")
	return cmd
}

func newTriggerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Run the active version of a playbook for a customer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			playbookID, _ := cmd.Flags().GetString("playbook")
			customerID, _ := cmd.Flags().GetString("customer")
			wait, _ := cmd.Flags().GetBool("wait")
			rawCtx, _ := cmd.Flags().GetString("context")

			var execCtx map[string]any
			if rawCtx != "" {
				if err := json.Unmarshal([]byte(rawCtx), &execCtx); err != nil {
					return fmt.Errorf("--context must be a JSON object: %w", err)
				}
			}

			a, err := newApp(cmd.Context(), loadConfig())
			if err != nil {
				return err
			}
			// Close waits for the execution to finish either way.
			defer a.Close()

			id, err := a.orch.Trigger(cmd.Context(), engine.TriggerRequest{
				PlaybookID: playbookID,
				CustomerID: customerID,
				Context:    execCtx,
			})
			if err != nil {
				return err
			}
			if !wait {
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			}

			a.orch.Shutdown()
			exec, err := a.orch.Status(cmd.Context(), id)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), exec); err != nil {
				return err
			}
			if exec.Status != schema.ExecutionStatusCompleted {
				return fmt.Errorf("execution %s %s", id, exec.Status)
			}
			return nil
		},
	}
	cmd.Flags().String("playbook", "", "playbook ID")
	cmd.Flags().String("customer", "", "customer ID")
	cmd.Flags().String("context", "", "execution context as a JSON object")
	cmd.Flags().Bool("wait", false, "wait for the execution and print it")
	_ = cmd.MarkFlagRequired("playbook")
	_ = cmd.MarkFlagRequired("customer")
	return cmd
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <execution-id>",
		Short: "Print the state of an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), loadConfig())
			if err != nil {
				return err
			}
			defer a.Close()

			exec, err := a.orch.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), exec)
		},
	}
}

func newGraphCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "graph <file>",
		Short: "Render the step graph of a playbook file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, _ := cmd.Flags().GetString("format")
			def, err := readPlaybook(args[0])
			if err != nil {
				return err
			}
			model, err := diagram.Build(def, nil)
			if err != nil {
				return err
			}

			switch format {
			case "ascii":
				fmt.Fprint(cmd.OutOrStdout(), diagram.RenderASCII(model))
			case "mermaid":
				fmt.Fprint(cmd.OutOrStdout(), diagram.RenderMermaid(model))
			default:
				return fmt.Errorf("unknown format %q (want ascii or mermaid)", format)
			}
			return nil
		},
	}
	cmd.Flags().String("format", "ascii", "output format: ascii or mermaid")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			printVersion(cmd.OutOrStdout())
		},
	}
}

func readPlaybook(path string) (*schema.PlaybookDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return schema.ParsePlaybook(data)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
