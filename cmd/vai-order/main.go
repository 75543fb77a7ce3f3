package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/vango-go/vai-order/internal/dotenv"
)

var version = "dev" // set via ldflags at build time

func newRootCmd(ctx context.Context, stderr io.Writer, deps serveDeps) *cobra.Command {
	var envFile string

	root := &cobra.Command{
		Use:           "vai-order",
		Short:         "Voice ordering session service",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return dotenv.LoadFile(envFile)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	root.SetContext(ctx)
	root.SetErr(stderr)
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading configuration")

	root.AddCommand(newServeCmd(stderr, deps))
	root.AddCommand(newMigrateCmd())
	return root
}

func runMain(ctx context.Context, args []string, stderr io.Writer, deps serveDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	root := newRootCmd(ctx, stderr, deps)
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "vai-order: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Args[1:], os.Stderr, defaultServeDeps()))
}
