package main

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/hai-labs/haigate"
	"github.com/hai-labs/haigate/internal/auth"
	"github.com/hai-labs/haigate/internal/config"
	"github.com/hai-labs/haigate/internal/model"
)

func newServeCommand(logger *slog.Logger) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := haigate.New(
				haigate.WithVersion(version),
				haigate.WithLogger(logger),
				haigate.WithPort(port),
			)
			if err != nil {
				return err
			}
			return app.Run(cmd.Context())
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "Override HAIGATE_PORT")
	return cmd
}

func newIngestCommand(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:     "ingest <path>",
		Short:   "Load documents into the knowledge index",
		Long:    "Chunk, embed and upsert documents into Qdrant. <path> is a JSON array of {source, title, person_id, text} or a directory of .md and .txt files.",
		Example: "  haigate ingest ./corpus\n  haigate ingest docs.json",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := haigate.New(haigate.WithVersion(version), haigate.WithLogger(logger))
			if err != nil {
				return err
			}
			defer func() { _ = app.Shutdown(cmd.Context()) }()

			n, err := app.Ingest(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "ingested %d passages\n", n)
			return nil
		},
	}
}

func newTokenCommand() *cobra.Command {
	var (
		role string
		ttl  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Issue a bearer token signed with the configured JWT key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = godotenv.Load()
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.JWTPrivateKeyPath == "" || cfg.JWTPublicKeyPath == "" {
				return fmt.Errorf("HAIGATE_JWT_PRIVATE_KEY and HAIGATE_JWT_PUBLIC_KEY must be set; an ephemeral key would sign a token no server accepts")
			}
			if ttl <= 0 {
				ttl = cfg.JWTExpiration
			}
			mgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, ttl)
			if err != nil {
				return err
			}
			token, exp, err := mgr.IssueToken(args[0], model.AccessRole(role))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintln(out, token)
			_, _ = fmt.Fprintf(out, "# expires %s\n", exp.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", string(model.AccessUser), "Token role: user or admin")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (default HAIGATE_JWT_EXPIRATION)")
	return cmd
}

func newHashKeyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-key <key>",
		Short: "Print the Argon2id hash for HAIGATE_ADMIN_API_KEY_HASH",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := auth.HashKey(args[0])
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

func newGenKeyCommand() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "genkey",
		Short: "Generate the Ed25519 key pair used to sign bearer tokens",
		Long:  "Writes jwt_private.pem and jwt_public.pem. Existing keys are never overwritten; delete them first to rotate.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			privPath := filepath.Join(dir, "jwt_private.pem")
			pubPath := filepath.Join(dir, "jwt_public.pem")
			if err := auth.WriteKeyPair(privPath, pubPath); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "wrote %s\nwrote %s\n", privPath, pubPath)
			_, _ = fmt.Fprintf(out, "set HAIGATE_JWT_PRIVATE_KEY=%s and HAIGATE_JWT_PUBLIC_KEY=%s\n", privPath, pubPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "data", "Directory for the key files")
	return cmd
}
