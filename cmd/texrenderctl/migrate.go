package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"texrender/internal/migrations"
)

func newMigrateCmd() *cobra.Command {
	var dsn string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or inspect the database migrations",
	}
	cmd.PersistentFlags().StringVar(&dsn, "database", "", "PostgreSQL URL (default DATABASE_URL)")

	resolve := func() (string, error) {
		if dsn != "" {
			return dsn, nil
		}
		cfg, _, err := loadConfig(false)
		if err != nil {
			return "", err
		}
		if cfg.Database.URL == "" {
			return "", fmt.Errorf("no database configured: set DATABASE_URL or --database")
		}
		return cfg.Database.URL, nil
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			url, err := resolve()
			if err != nil {
				return err
			}
			_, log, err := loadConfig(false)
			if err != nil {
				return err
			}
			n, err := migrations.Up(cmd.Context(), url, log)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", n)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "List migrations and whether they are applied",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			url, err := resolve()
			if err != nil {
				return err
			}
			list, err := migrations.List(cmd.Context(), url)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "VERSION\tFILE\tAPPLIED AT")
			for _, s := range list {
				at := "pending"
				if s.Applied {
					at = s.AppliedAt.Format("2006-01-02 15:04:05")
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\n", s.Version, s.Path, at)
			}
			return tw.Flush()
		},
	})

	return cmd
}
