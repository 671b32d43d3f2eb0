package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/davidbz/corebridge/internal/httpserver"
	"github.com/davidbz/corebridge/internal/observability"
	"github.com/davidbz/corebridge/internal/routing"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var routingPath string

	root := &cobra.Command{
		Use:           "corebridge",
		Short:         "LLM gateway routing OpenAI and Anthropic clients to multi-tenant backends",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&routingPath, "routing", "", "routing config path (overrides ROUTING_CONFIG_PATH)")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Start the HTTP gateway",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return serve(cmd.Context(), routingPath)
			},
		},
		&cobra.Command{
			Use:   "route <model>",
			Short: "Show how a model name resolves and which endpoints serve it",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return describeRoute(cmd, routingPath, args[0])
			},
		},
	)

	return root
}

func serve(ctx context.Context, routingPath string) error {
	container, err := buildContainer(routingPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return container.Invoke(func(logger *zap.Logger, server *httpserver.Server) error {
		defer func() { _ = logger.Sync() }()

		errCh := make(chan error, 1)
		go func() {
			errCh <- server.Start()
		}()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil {
			return err
		}

		observability.FromContext(shutdownCtx).Info("server stopped")
		return nil
	})
}

func describeRoute(cmd *cobra.Command, routingPath, model string) error {
	container, err := buildContainer(routingPath)
	if err != nil {
		return err
	}

	return container.Invoke(func(balancer *routing.Balancer) error {
		desc, err := balancer.Describe(model)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "  %-10s: %s\n", "Requested", desc.Requested)
		fmt.Fprintf(out, "  %-10s: %s\n", "Canonical", desc.Canonical)
		fmt.Fprintf(out, "  %-10s: %s\n", "Family", desc.Family)
		for _, tenant := range desc.Tenants {
			fmt.Fprintf(out, "  %-10s: %s\n", "Tenant", tenant.TenantID)
			for _, endpoint := range tenant.Endpoints {
				fmt.Fprintf(out, "    %s (model %s)\n", endpoint.URL, endpoint.Model)
			}
		}
		return nil
	})
}
