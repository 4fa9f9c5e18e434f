package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/ehr/hl7hub/internal/config"
	"github.com/ehr/hl7hub/internal/domain/validation"
	"github.com/ehr/hl7hub/internal/platform/db"
	"github.com/ehr/hl7hub/internal/platform/hl7v2"
	"github.com/ehr/hl7hub/migrations"
)

type validateOptions struct {
	flow     string
	convert  bool
	xmlOut   string
	standard string
	store    bool
}

func validateCmd() *cobra.Command {
	var opts validateOptions
	cmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate an ER7 message file against a flow or standard bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := newLogger(cfg, cmd.ErrOrStderr())
			if opts.flow == "" {
				opts.flow = cfg.DefaultFlow
			}

			ctx := context.Background()
			var pool *pgxpool.Pool
			if opts.store {
				if !cfg.PersistenceEnabled() {
					return fmt.Errorf("--store needs DATABASE_URL")
				}
				p, err := openPool(ctx, cfg)
				if err != nil {
					return err
				}
				defer p.Close()
				pool = p
			}

			svc, err := newService(cfg, pool, logger)
			if err != nil {
				return err
			}

			cmd.SilenceUsage = true
			return runValidate(ctx, svc, opts, raw, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVar(&opts.flow, "flow", "", "Flow bundle to validate against (default DEFAULT_FLOW)")
	cmd.Flags().BoolVar(&opts.convert, "convert", false, "Print the HL7v2-XML document")
	cmd.Flags().StringVar(&opts.xmlOut, "xml-out", "", "Write the HL7v2-XML document to this path")
	cmd.Flags().StringVar(&opts.standard, "standard", "", "Validate against the standard bundle for this HL7 version instead of a flow")
	cmd.Flags().BoolVar(&opts.store, "store", false, "Store the result in the database")
	return cmd
}

// runValidate writes the document to stdout (--convert) or opts.xmlOut and
// the verdict to stderr. An invalid message is returned as an error.
func runValidate(ctx context.Context, svc *validation.Service, opts validateOptions, raw []byte, stdout, stderr io.Writer) error {
	if opts.standard != "" {
		if err := svc.ValidateWithStandard(ctx, raw, opts.standard); err != nil {
			return err
		}
		fmt.Fprintf(stderr, "valid against HL7 %s\n", opts.standard)
		return nil
	}

	if err := requireFlow(opts.flow); err != nil {
		return err
	}

	var res *validation.ValidationResult
	if opts.store {
		rec, err := svc.Process(ctx, opts.flow, raw, validation.SourceCLI)
		if err != nil {
			return err
		}
		fmt.Fprintf(stderr, "stored result %s\n", rec.ID)
		res = rec.Result()
	} else {
		r, err := svc.ValidateAndConvert(ctx, opts.flow, raw)
		if err != nil {
			return err
		}
		res = r
	}

	if opts.convert {
		fmt.Fprintln(stdout, res.XML)
	}
	if opts.xmlOut != "" {
		if err := os.WriteFile(opts.xmlOut, []byte(res.XML), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", opts.xmlOut, err)
		}
	}

	if !res.IsValid {
		for _, d := range res.Diagnostics {
			fmt.Fprintf(stderr, "  %s\n", d.String())
		}
		return fmt.Errorf("%s %s is not valid against %s/%s", res.MessageType, res.MessageControlID, opts.flow, res.StructureID)
	}
	fmt.Fprintf(stderr, "%s %s is valid against %s/%s\n", res.MessageType, res.MessageControlID, opts.flow, res.StructureID)
	return nil
}

func flowsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "flows [flow]",
		Short: "List flow bundles and their structures",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			svc, err := newService(cfg, nil, newLogger(cfg, cmd.ErrOrStderr()))
			if err != nil {
				return err
			}

			ctx := context.Background()
			var infos []validation.FlowInfo
			if len(args) == 1 {
				info, err := svc.Flow(ctx, args[0])
				if err != nil {
					return err
				}
				infos = append(infos, info)
			} else if infos, err = svc.Flows(ctx); err != nil {
				return err
			}
			return printFlows(cmd.OutOrStdout(), infos)
		},
	}
}

func printFlows(w io.Writer, infos []validation.FlowInfo) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "FLOW\tSTRUCTURES")
	for _, info := range infos {
		fmt.Fprintf(tw, "%s\t%s\n", info.Name, strings.Join(info.Structures, ", "))
	}
	return tw.Flush()
}

func sendCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send <file>",
		Short: "Send an ER7 message file over MLLP and print the acknowledgement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("addr")
			timeout, _ := cmd.Flags().GetDuration("timeout")

			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			resp, err := hl7v2.SendMLLP(ctx, addr, raw)
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true
			return printAck(cmd.OutOrStdout(), resp)
		},
	}
	cmd.Flags().String("addr", "localhost:2575", "MLLP listener address")
	cmd.Flags().Duration("timeout", 30*time.Second, "Time to wait for the acknowledgement")
	return cmd
}

// printAck echoes the acknowledgement and fails unless it is AA or CA.
func printAck(w io.Writer, resp []byte) error {
	fmt.Fprintln(w, strings.ReplaceAll(string(resp), "\r", "\n"))

	ack, err := hl7v2.Parse(resp)
	if err != nil {
		return fmt.Errorf("unreadable acknowledgement: %w", err)
	}
	switch code := ack.AckCode(); code {
	case hl7v2.AckAccept, "CA":
		return nil
	default:
		return fmt.Errorf("message not accepted (%s)", code)
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the result store schema",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrator, schema, done, err := openMigrator(cmd)
			if err != nil {
				return err
			}
			defer done()

			fmt.Printf("Running migrations on schema: %s\n", schema)
			count, err := migrator.Up(context.Background(), schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "", "Target schema (default DB_SCHEMA)")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrator, schema, done, err := openMigrator(cmd)
			if err != nil {
				return err
			}
			defer done()

			statuses, err := migrator.Status(context.Background(), schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			fmt.Printf("Migration status for schema: %s\n", schema)
			printStatuses(cmd.OutOrStdout(), statuses)
			return nil
		},
	}
	statusCmd.Flags().String("schema", "", "Target schema (default DB_SCHEMA)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func openMigrator(cmd *cobra.Command) (*db.Migrator, string, func(), error) {
	schema, _ := cmd.Flags().GetString("schema")

	cfg, err := config.Load()
	if err != nil {
		return nil, "", nil, err
	}
	if !cfg.PersistenceEnabled() {
		return nil, "", nil, fmt.Errorf("DATABASE_URL is not set")
	}
	if schema == "" {
		schema = cfg.DBSchema
	}

	pool, err := openPool(context.Background(), cfg)
	if err != nil {
		return nil, "", nil, err
	}
	return db.NewMigrator(pool, migrations.FS), schema, pool.Close, nil
}

func printStatuses(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}
