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

	"livelocation/internal/app"
	"livelocation/internal/auth"
	"livelocation/internal/config"
	"livelocation/internal/logger"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		logger.Get().Fatal(err)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "livelocation",
		Short:         "Live location sharing session coordinator",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), configPath)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("LIVELOC_CONFIG_FILE"),
		"path to a JSON or YAML config file (LIVELOC_* environment variables override it)")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the WebSocket server (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), configPath)
		},
	})
	root.AddCommand(newTokenCommand(&configPath))
	return root
}

// serve blocks until SIGINT or SIGTERM, then shuts down gracefully.
func serve(parent context.Context, configPath string) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.NewApplication(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	return application.Run(ctx)
}

func newTokenCommand(configPath *string) *cobra.Command {
	var (
		phone string
		ttl   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token <identity>",
		Short: "Mint a signed connection token for local testing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if ttl <= 0 {
				ttl = cfg.Auth.TokenTTL
			}
			return mintToken(cmd.OutOrStdout(), cfg, args[0], phone, ttl)
		},
	}
	cmd.Flags().StringVar(&phone, "phone", "", "phoneNumber claim (defaults to the identity)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (defaults to auth.token_ttl)")
	return cmd
}

func mintToken(out io.Writer, cfg *config.Config, identity, phone string, ttl time.Duration) error {
	verifier, err := auth.NewJWTVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	if err != nil {
		return err
	}
	if phone == "" {
		phone = identity
	}
	token, err := verifier.Issue(identity, phone, ttl)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, token)
	return err
}
