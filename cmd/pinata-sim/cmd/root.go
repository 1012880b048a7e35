package cmd

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/spf13/cobra"
	"go.viam.com/rdk/logging"

	"pinatatests/internal/simulator"
)

type serveOptions struct {
	listen   string
	revision string
	latency  time.Duration
}

func newRootCmd() *cobra.Command {
	opts := serveOptions{}

	cmd := &cobra.Command{
		Use:   "pinata-sim",
		Short: "Serve a simulated Pinata board over TCP",
		Long: `pinata-sim speaks the Pinata serial protocol on a TCP port so tests can
run without a board attached. Point them at it with
PINATA_ADDRESS=<listen address>.`,
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.listen, "listen", "127.0.0.1:7777", "address to accept host connections on")
	cmd.Flags().StringVar(&opts.revision, "revision", simulator.DefaultRevision, "code revision string reported to hosts")
	cmd.Flags().DurationVar(&opts.latency, "latency", 0, "delay added before every response")

	return cmd
}

func runServe(cmd *cobra.Command, opts serveOptions) error {
	if opts.latency < 0 {
		return fmt.Errorf("--latency must not be negative")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", opts.listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", opts.listen, err)
	}

	logger := logging.NewLogger("pinata-sim")
	dev := simulator.New(
		simulator.WithLogger(logger),
		simulator.WithRevision(opts.revision),
		simulator.WithLatency(clock.New(), opts.latency),
	)
	defer dev.Close()

	fmt.Fprintf(cmd.OutOrStdout(), "pinata-sim listening on %s\n", ln.Addr())
	return dev.Serve(ctx, ln)
}

// Execute runs the root command until it is interrupted.
func Execute() error {
	return newRootCmd().ExecuteContext(context.Background())
}
