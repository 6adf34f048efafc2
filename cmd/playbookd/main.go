package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "playbookd",
		Short:        "Customer-success playbook execution engine",
		Long:         "playbookd validates, stores and runs versioned customer-success playbooks as dependency graphs of steps.",
		SilenceUsage: true,
	}

	root.AddCommand(newServeCommand())
	root.AddCommand(newValidateCommand())
	root.AddCommand(newImportCommand())
	root.AddCommand(newTriggerCommand())
	root.AddCommand(newStatusCommand())
	root.AddCommand(newGraphCommand())
	root.AddCommand(newVersionCommand())
	return root
}
