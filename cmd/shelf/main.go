package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrSnakeDoc/shelf/internal/app"
	"github.com/MrSnakeDoc/shelf/internal/auth"
	"github.com/MrSnakeDoc/shelf/internal/config"
	"github.com/MrSnakeDoc/shelf/internal/version"
)

var (
	rootCmd = &cobra.Command{
		Use:   "shelf",
		Short: "Personal bookmark shelf server",
		Long: `Shelf serves a per-user bookmark list that stays in sync with its
backend (redis or sqlite) through a live change feed.`,
		SilenceUsage: true,
		RunE:         runServe,
	}
	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server (default command)",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	tokenCmd = &cobra.Command{
		Use:   "token [user-id]",
		Short: "Mint a session token for a user",
		Args:  cobra.ExactArgs(1),
		RunE:  runToken,
	}
	importCmd = &cobra.Command{
		Use:   "import [user-id] [bookmarks.yaml]",
		Short: "Import a Homepage bookmarks.yaml into a user's shelf",
		Long: `Reads a Homepage bookmarks.yaml and inserts every valid entry for the user.
The file may be omitted when SHELF_IMPORT_FILE is set.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: runImport,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.String())
		},
	}

	tokenTTL time.Duration
)

func init() {
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "token lifetime (defaults to SHELF_TOKEN_TTL)")
	rootCmd.AddCommand(serveCmd, tokenCmd, importCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("❌ shelf failed: %v", err)
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	return app.New().Run()
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	verifier, err := auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer)
	if err != nil {
		return err
	}

	ttl := tokenTTL
	if ttl <= 0 {
		ttl = cfg.TokenTTL
	}
	token, err := verifier.Issue(args[0], ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

func runImport(cmd *cobra.Command, args []string) error {
	cfg := config.Load()

	path := cfg.ImportFile
	if len(args) == 2 {
		path = args[1]
	}
	if path == "" {
		return fmt.Errorf("no bookmarks file given and SHELF_IMPORT_FILE is not set")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := app.Import(ctx, cfg, args[0], path)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "✅ imported %d bookmarks for %s\n", res.Imported, args[0])
	for _, s := range res.Skipped {
		fmt.Fprintf(out, "   skipped %s/%s: %s\n", s.Category, s.Name, s.Reason)
	}
	return nil
}
