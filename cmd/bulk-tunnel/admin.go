package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/withObsrvr/obsrvr-bulk-tunnel/internal/audit"
	"github.com/withObsrvr/obsrvr-bulk-tunnel/internal/schema"
	"github.com/withObsrvr/obsrvr-bulk-tunnel/internal/session"
)

func newHistoryCmd(a *app) *cobra.Command {
	var archived bool
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List resumable sessions, or completed ones with --archived",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sessions, err := a.sessions()
			if err != nil {
				return err
			}

			var states []session.State
			if archived {
				arcs, err := sessions.ListArchived()
				if err != nil {
					return err
				}
				for _, arc := range arcs {
					states = append(states, arc.State)
				}
			} else if states, err = sessions.List(); err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SESSION\tDIRECTION\tTABLE\tPARTITION\tSTATUS\tUNITS DONE\tRECORDS\tBAD\tUPDATED")
			for _, st := range states {
				status := string(st.Status)
				if !archived {
					if inUse, err := sessions.InUse(st.SessionID); err == nil && inUse {
						status += " (in use)"
					}
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
					st.SessionID, st.Direction, st.Table, st.Partition, status,
					len(st.FinishedBlockIDs), st.RecordCount, st.BadRecordCount,
					st.UpdatedAt.Local().Format(time.DateTime),
				)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&archived, "archived", false, "list completed sessions from the archive directory")
	return cmd
}

func newPurgeCmd(a *app) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "purge [session-id...]",
		Short: "Delete the named sessions, or all sessions idle for longer than --older-than",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && !cmd.Flags().Changed("older-than") {
				return errors.New("name sessions to purge or set --older-than")
			}
			sessions, err := a.sessions()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			for _, id := range args {
				if err := sessions.Delete(id); err != nil {
					return err
				}
				fmt.Fprintf(out, "purged %s\n", id)
			}
			if len(args) > 0 {
				return nil
			}

			removed, err := sessions.Purge(olderThan)
			for _, id := range removed {
				fmt.Fprintf(out, "purged %s\n", id)
			}
			return err
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 72*time.Hour, "purge sessions not updated for this long")
	return cmd
}

func newCreateTableCmd(a *app) *cobra.Command {
	var (
		schemaFile    string
		columns       string
		partitionKeys []string
		ifNotExists   bool
	)
	cmd := &cobra.Command{
		Use:   "create-table [name]",
		Short: "Create a table from a schema file or a column list",
		Example: "  bulk-tunnel create-table events --columns 'id:BIGINT,tags:ARRAY<STRING>' --partition-keys ds\n" +
			"  bulk-tunnel create-table --schema events.yaml",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var name string
			if len(args) == 1 {
				name = args[0]
			}
			ts, err := buildSchema(name, schemaFile, columns, partitionKeys)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			b, err := a.openBackend(ctx)
			if err != nil {
				return err
			}
			defer b.Close()

			if err := b.store.CreateTable(ctx, ts, ifNotExists); err != nil {
				return err
			}
			if b.catalog != nil {
				if _, err := b.catalog.EnsureTable(ctx, ts); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "table %s ready (%d columns", ts.Name, ts.Len())
			if ts.IsPartitioned() {
				fmt.Fprintf(cmd.OutOrStdout(), ", partitioned by %s", strings.Join(ts.PartitionKeys, ", "))
			}
			fmt.Fprintln(cmd.OutOrStdout(), ")")
			return nil
		},
	}
	cmd.Flags().StringVarP(&schemaFile, "schema", "f", "", "YAML or JSON schema file")
	cmd.Flags().StringVar(&columns, "columns", "", "column list, e.g. 'id:BIGINT,name:STRING'")
	cmd.Flags().StringSliceVar(&partitionKeys, "partition-keys", nil, "partition key names")
	cmd.Flags().BoolVar(&ifNotExists, "if-not-exists", false, "succeed when the table already exists")
	cmd.MarkFlagsMutuallyExclusive("schema", "columns")
	return cmd
}

// buildSchema reads a schema file, or assembles one from a column list.
// A name given on the command line overrides the file's name.
func buildSchema(name, file, columns string, partitionKeys []string) (*schema.TableSchema, error) {
	var ts schema.TableSchema
	switch {
	case file != "":
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", file, err)
		}
		// JSON is valid YAML
		if err := yaml.Unmarshal(data, &ts); err != nil {
			return nil, fmt.Errorf("parse schema %s: %w", file, err)
		}
	case columns != "":
		cols, err := parseColumns(columns)
		if err != nil {
			return nil, err
		}
		ts.Columns = cols
	default:
		return nil, errors.New("either --schema or --columns is required")
	}

	if name != "" {
		ts.Name = name
	}
	if ts.Name == "" {
		return nil, errors.New("table name is required")
	}
	if len(partitionKeys) > 0 {
		ts.PartitionKeys = partitionKeys
	}
	if err := ts.Validate(); err != nil {
		return nil, err
	}
	return &ts, nil
}

// parseColumns reads "name:TYPE,..." using the STRUCT field syntax, so
// nested types may contain commas.
func parseColumns(s string) ([]schema.Column, error) {
	typ, err := schema.ParseType("STRUCT<" + s + ">")
	if err != nil {
		return nil, fmt.Errorf("parse columns: %w", err)
	}
	cols := make([]schema.Column, len(typ.Fields))
	for i, f := range typ.Fields {
		cols[i] = schema.Column{Name: f.Name, Type: f.Type}
	}
	return cols, nil
}

func newAuditCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the commit audit log",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "verify <table...>",
		Short: "Check that the audit chain of each table is intact",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !a.cfg.Audit.Enabled {
				return errors.New("audit log is not enabled")
			}
			for _, table := range args {
				rep, err := audit.Verify(a.cfg.Audit.Dir, table)
				if err != nil {
					return fmt.Errorf("verify %s: %w", table, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d events chained", table, rep.Linked)
				if rep.Orphaned > 0 {
					fmt.Fprintf(cmd.OutOrStdout(), ", %d unacknowledged", rep.Orphaned)
				}
				fmt.Fprintln(cmd.OutOrStdout())
			}
			return nil
		},
	})
	return cmd
}
