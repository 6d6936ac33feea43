package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := buildRoot(os.Stdout, os.Stdin).ExecuteContext(ctx)
	stop()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// buildRoot creates the root command and every subcommand.
func buildRoot(out io.Writer, in io.Reader) *cobra.Command {
	globalFlags := &GlobalFlags{}
	submitFlags := &SubmitFlags{}
	jobFlags := &JobFlags{}
	listFlags := &APIFlags{}
	sweepFlags := &APIFlags{}

	scripthostCommand := command{global: globalFlags, out: out, in: in}

	root := createRootCommand(globalFlags)
	root.SetOut(out)
	root.SetIn(in)

	root.AddCommand(
		createServeCommand(globalFlags),
		createSubmitCommand(scripthostCommand, submitFlags),
		createActionCommand(scripthostCommand, jobFlags, "start", "Start a job"),
		createActionCommand(scripthostCommand, jobFlags, "stop", "Stop a running job"),
		createActionCommand(scripthostCommand, jobFlags, "restart", "Stop and start a job"),
		createActionCommand(scripthostCommand, jobFlags, "delete", "Stop a job and remove it"),
		createStatusCommand(scripthostCommand, jobFlags),
		createListCommand(scripthostCommand, listFlags),
		createSweepCommand(scripthostCommand, sweepFlags),
	)
	return root
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "scripthost",
		Short: "Host and supervise user-submitted Python scripts",
		Long: `Scripthost runs uploaded Python scripts as supervised background jobs,
each in its own virtual environment with its imports installed.

Examples:
  scripthost serve scripthost.toml            # Start the daemon
  scripthost submit bot.py --owner=42 --start # Upload and start
  scripthost list --owner=42
  scripthost status 3f2a... --owner=42 -o yaml`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVarP(&flags.Output, "output", "o", outputText, "output format: text, json or yaml")

	return root
}

func addAPIFlags(cmd *cobra.Command, f *APIFlags) {
	cmd.Flags().StringVar(&f.APIUrl, "api-url", "", "daemon URL (e.g. http://host:8080/api); defaults to [server] of --config")
	cmd.Flags().DurationVar(&f.APITimeout, "api-timeout", 15*time.Minute, "request timeout")
	cmd.Flags().Int64Var(&f.Owner, "owner", ownerFromEnv(), "owner id (default from "+OwnerEnv+")")
}

// createSubmitCommand creates the submit subcommand
func createSubmitCommand(c command, f *SubmitFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit [file.py...]",
		Short: "Upload Python scripts",
		Long: `Upload one or more .py files. Uploading the same content twice is
reported as already uploaded. With no file or "-" the script is read from
stdin and --name gives its file name.

Examples:
  scripthost submit bot.py --owner=42
  cat bot.py | scripthost submit --name=bot.py --owner=42 --start`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Submit(cmd.Context(), *f, args)
		},
	}
	cmd.Flags().StringVar(&f.Name, "name", "", "file name for a script read from stdin")
	cmd.Flags().BoolVar(&f.Start, "start", false, "start each job after uploading")
	addAPIFlags(cmd, &f.APIFlags)
	return cmd
}

// createActionCommand creates one of the start, stop, restart and delete
// subcommands.
func createActionCommand(c command, f *JobFlags, action, short string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   action + " HASH",
		Short: short,
		Long: short + `. HASH is the content hash shown by submit and list.

Examples:
  scripthost ` + action + ` 3f2a9c... --owner=42`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := *f
			flags.Hash = args[0]
			return c.Action(cmd.Context(), flags, action)
		},
	}
	addAPIFlags(cmd, &f.APIFlags)
	return cmd
}

// createStatusCommand creates the status subcommand
func createStatusCommand(c command, f *JobFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status HASH",
		Short: "Show the detailed status of a job",
		Long: `Show status, uptime, crash count, resource usage and the available
actions of one job.

Examples:
  scripthost status 3f2a9c... --owner=42
  scripthost status 3f2a9c... --owner=42 -o json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := *f
			flags.Hash = args[0]
			return c.Status(cmd.Context(), flags)
		},
	}
	addAPIFlags(cmd, &f.APIFlags)
	return cmd
}

// createListCommand creates the list subcommand
func createListCommand(c command, f *APIFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the owner's jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.List(cmd.Context(), *f)
		},
	}
	addAPIFlags(cmd, f)
	return cmd
}

// createSweepCommand creates the sweep subcommand
func createSweepCommand(c command, f *APIFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run a health sweep on the daemon now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Sweep(cmd.Context(), *f)
		},
	}
	addAPIFlags(cmd, f)
	return cmd
}
