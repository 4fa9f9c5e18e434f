package main

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/hl7hub/internal/config"
	"github.com/ehr/hl7hub/internal/domain/validation"
	"github.com/ehr/hl7hub/internal/platform/db"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "hl7hub",
		Short: "HL7 v2 transcoding and schema validation hub",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(flowsCmd())
	rootCmd.AddCommand(sendCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newLogger writes JSON to out, or a console format in development.
// LOG_LEVEL sets the minimum level when it parses.
func newLogger(cfg *config.Config, out io.Writer) zerolog.Logger {
	logger := zerolog.New(out).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: out}).With().Timestamp().Logger()
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && lvl != zerolog.NoLevel {
		logger = logger.Level(lvl)
	}
	return logger
}

// openPool returns nil when persistence is disabled.
func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	if !cfg.PersistenceEnabled() {
		return nil, nil
	}
	return db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, cfg.DBSchema)
}

// newService builds the validation service over the configured schema
// roots. A nil pool leaves results unstored; extra applies server-only
// wiring such as metrics and the result stream.
func newService(cfg *config.Config, pool *pgxpool.Pool, logger zerolog.Logger, extra ...func(*validation.Config)) (*validation.Service, error) {
	fallbacks, err := cfg.Fallbacks()
	if err != nil {
		return nil, err
	}

	var standards fs.FS
	if cfg.StandardSchemaRoot != "" {
		standards = os.DirFS(cfg.StandardSchemaRoot)
	}

	var repo validation.ResultRepository
	if pool != nil {
		repo = validation.NewResultRepoPG(pool)
	}

	vcfg := validation.Config{
		Flows:      os.DirFS(cfg.SchemaRoot),
		Standards:  standards,
		Fallbacks:  fallbacks,
		Synthesize: cfg.SynthesizeSet(),
	}
	for _, fn := range extra {
		fn(&vcfg)
	}
	return validation.NewService(vcfg, repo, logger), nil
}

func requireFlow(flow string) error {
	if flow == "" {
		return fmt.Errorf("--flow is required (or set DEFAULT_FLOW)")
	}
	return nil
}
