// Command pipeline-submit sends one job to a pipeline server and prints the
// events it streams back until the job finishes.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// errJobFailed marks a job the server reported as failed; the events were
// already printed, so main only sets the exit code.
var errJobFailed = errors.New("job failed")

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		if !errors.Is(err, errJobFailed) {
			fmt.Fprintln(os.Stderr, errorStyle.Render(err.Error()))
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		url   string
		file  string
		token string
	)

	cmd := &cobra.Command{
		Use:   "pipeline-submit",
		Short: "Submit a product job and follow its progress",
		Example: `  pipeline-submit --url ws://localhost:3002/ws --file products.csv
  cat products.csv | pipeline-submit --file -`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := readJob(file, cmd.InOrStdin())
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			ok, err := submit(ctx, url, token, data, newPrinter(cmd.OutOrStdout()))
			if err != nil {
				return err
			}
			if !ok {
				return errJobFailed
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&url, "url", "ws://127.0.0.1:3002/ws", "server WebSocket URL")
	cmd.Flags().StringVarP(&file, "file", "f", "", "job file, one url,name,tags... row per line (- for stdin)")
	cmd.Flags().StringVar(&token, "token", os.Getenv("PIPELINE_TOKEN"), "auth token, if the server requires one")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}
