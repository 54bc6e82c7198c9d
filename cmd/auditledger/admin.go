package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/factoryos/auditledger/internal/audit"
	"github.com/factoryos/auditledger/internal/config"
	"github.com/factoryos/auditledger/internal/store"
)

// ============================================================================
// auditledger retention
// ============================================================================

var retentionCmd = &cobra.Command{
	Use:   "retention",
	Short: "Apply or inspect retention policies",
	Long: `Retention is the only way entries ever leave the ledger. Policies live
in policies.yaml (retention.policies_file). Entries older than a policy's
retention_days are archived when archive_enabled is set, then purged, and
a tombstone keeps each purged sequence verifiable.`,
}

var retentionDryRun bool

var retentionApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply the retention policies now",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLedger(cmd.Context(), func(cfg *config.Config, l *ledger) error {
			policies, err := config.LoadPolicies(cfg.Retention.PoliciesFile)
			if err != nil {
				return err
			}
			if len(policies) == 0 {
				fmt.Printf("No retention policies in %s\n", cfg.Retention.PoliciesFile)
				return nil
			}

			res, runErr := l.retention.Apply(cmd.Context(), policies, retentionDryRun)
			if res != nil {
				printRetention(res)
			}
			return runErr
		})
	},
}

var retentionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the configured retention policies",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		policies, err := config.LoadPolicies(cfg.Retention.PoliciesFile)
		if err != nil {
			return err
		}
		if len(policies) == 0 {
			fmt.Printf("No retention policies in %s\n", cfg.Retention.PoliciesFile)
			return nil
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tTENANT\tCATEGORY\tSEVERITY\tDAYS\tARCHIVE")
		for _, p := range policies {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%t\n",
				p.Name, dash(p.TenantID), dash(string(p.Category)), dash(string(p.Severity)),
				p.RetentionDays, p.ArchiveEnabled)
		}
		return tw.Flush()
	},
}

func init() {
	retentionApplyCmd.Flags().BoolVar(&retentionDryRun, "dry-run", false, "Count matching entries without archiving or purging")
	retentionCmd.AddCommand(retentionApplyCmd)
	retentionCmd.AddCommand(retentionListCmd)
}

func printRetention(res *audit.RetentionResult) {
	mode := "applied"
	if res.DryRun {
		mode = "dry run"
	}
	fmt.Printf("Retention %s (run %s)\n", mode, res.RunID)
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "POLICY\tCUTOFF\tMATCHED\tARCHIVED\tPURGED")
	for _, o := range res.Policies {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\n",
			o.Policy, audit.FormatTime(o.Cutoff), o.Matched, o.Archived, o.Purged)
	}
	tw.Flush()
	if res.Error != "" {
		fmt.Printf("Stopped early: %s\n", res.Error)
	}
}

// ============================================================================
// auditledger archive
// ============================================================================

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Inspect retention archives",
}

var archiveListCmd = &cobra.Command{
	Use:   "list [prefix]",
	Short: "List archived objects",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		prefix := "retention/"
		if len(args) == 1 {
			prefix = args[0]
		}
		return withLedger(cmd.Context(), func(_ *config.Config, l *ledger) error {
			if l.archive == nil {
				return fmt.Errorf("no archive configured (archive.type)")
			}
			keys, err := l.archive.List(cmd.Context(), prefix)
			if err != nil {
				return err
			}
			for _, k := range keys {
				fmt.Println(k)
			}
			return nil
		})
	},
}

var archiveShowCmd = &cobra.Command{
	Use:   "show <key>",
	Short: "Summarize an archived batch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLedger(cmd.Context(), func(_ *config.Config, l *ledger) error {
			if l.archive == nil {
				return fmt.Errorf("no archive configured (archive.type)")
			}
			data, err := l.archive.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			doc, err := audit.DecodeDocument(data)
			if err != nil {
				return err
			}
			intact := 0
			for i := range doc.Entries {
				if audit.VerifyEntry(&doc.Entries[i]) {
					intact++
				}
			}
			fmt.Printf("export %s, exported %s\n", doc.ExportID, audit.FormatTime(doc.ExportedAt))
			fmt.Printf("%d entries, %d with intact digests\n", doc.RecordCount, intact)
			printEntries(doc.Entries)
			return nil
		})
	},
}

func init() {
	archiveCmd.AddCommand(archiveListCmd)
	archiveCmd.AddCommand(archiveShowCmd)
}

// ============================================================================
// auditledger migrate
// ============================================================================

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the PostgreSQL schema",
	Long: `Apply or roll back the embedded PostgreSQL migrations. The SQLite
backend creates its schema on open and needs no migrations.`,
}

// postgresDSN returns the configured DSN, refusing non-postgres stores.
func postgresDSN() (string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	if cfg.Store.Driver != store.DriverPostgres {
		return "", fmt.Errorf("migrations apply to the postgres driver; store.driver is %q", cfg.Store.Driver)
	}
	return cfg.Store.DSN, nil
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		dsn, err := postgresDSN()
		if err != nil {
			return err
		}
		st, err := store.MigrateUp(dsn)
		if err != nil {
			return err
		}
		fmt.Printf("schema at version %d (dirty=%t)\n", st.Version, st.Dirty)
		return nil
	},
}

var migrateForce bool

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back every migration, dropping the ledger",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !migrateForce {
			return fmt.Errorf("this drops every ledger table; rerun with --force to confirm")
		}
		dsn, err := postgresDSN()
		if err != nil {
			return err
		}
		if err := store.MigrateDown(dsn); err != nil {
			return err
		}
		fmt.Println("all migrations rolled back")
		return nil
	},
}

var migrateVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the schema version",
	RunE: func(cmd *cobra.Command, args []string) error {
		dsn, err := postgresDSN()
		if err != nil {
			return err
		}
		st, err := store.MigrationVersion(dsn)
		if err != nil {
			return err
		}
		fmt.Printf("version %d (dirty=%t)\n", st.Version, st.Dirty)
		return nil
	},
}

func init() {
	migrateDownCmd.Flags().BoolVar(&migrateForce, "force", false, "Confirm dropping the ledger")
	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateDownCmd)
	migrateCmd.AddCommand(migrateVersionCmd)
}

// ============================================================================
// auditledger config
// ============================================================================

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View and create configuration",
	Long: `The config file lives at ~/.auditledger/config.yaml by default (--config)
and selects the store, archive, job schedules, limits, tracing and logging.
Retention policies live next to it in policies.yaml.`,
}

var configInitForce bool

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write default config.yaml and policies.yaml",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(configPath); err == nil && !configInitForce {
			return fmt.Errorf("%s already exists; use --force to overwrite", configPath)
		}
		if err := config.WriteDefault(configPath); err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", configPath)

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if _, err := os.Stat(cfg.Retention.PoliciesFile); os.IsNotExist(err) {
			if err := config.WriteDefaultPolicies(cfg.Retention.PoliciesFile); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", cfg.Retention.PoliciesFile)
		}
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "No config file at %s; showing defaults. Run 'auditledger config init' to create one.\n", configPath)
		}
		return printYAML(cfg)
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configInitForce, "force", false, "Overwrite an existing config.yaml")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
}
