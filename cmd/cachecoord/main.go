package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentuity/go-cachecoord/config"
	"github.com/agentuity/go-cachecoord/telemetry"
)

const tracerName = "@agentuity/go-cachecoord/cmd/cachecoord"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) (err error) {
	c := &cli{}
	defer func() { c.close(err) }()
	root := c.command()
	root.SetArgs(args)
	root.SetOut(out)
	return root.ExecuteContext(ctx)
}

type cli struct {
	app  *app
	span trace.Span
}

// close ends the command span before the telemetry pipeline is flushed.
func (c *cli) close(err error) {
	if c.span != nil {
		if err != nil {
			c.span.RecordError(err)
			c.span.SetStatus(codes.Error, err.Error())
		}
		c.span.End()
	}
	if c.app != nil {
		c.app.close()
	}
}

func (c *cli) command() *cobra.Command {
	root := &cobra.Command{
		Use:           "cachecoord",
		Short:         "Distributed locks, rate limits and stampede-safe caching on Redis",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromCommand(cmd)
			if err != nil {
				return err
			}
			c.app, err = newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			ctx, log, span := telemetry.StartSpan(cmd.Context(), c.app.logger, otel.Tracer(tracerName), cmd.CommandPath())
			c.span = span
			c.app.logger = log
			cmd.SetContext(ctx)
			return nil
		},
	}
	config.RegisterFlags(root)
	root.AddCommand(
		c.lockCommand(),
		c.limitCommand(),
		c.getCommand(),
		c.populateCommand(),
		c.stampedeCommand(),
		c.removeCommand(),
		c.invalidateTagCommand(),
		c.invalidatePatternCommand(),
		c.warmCommand(),
		c.serveCommand(),
	)
	return root
}
