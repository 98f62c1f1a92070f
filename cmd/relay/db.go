package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ricardothe3rd/gazebo-robot-control/internal/config"
	"github.com/ricardothe3rd/gazebo-robot-control/internal/journal"
)

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Journal database management commands",
	}

	cmd.AddCommand(newDBMigrateCmd())
	return cmd
}

func newDBMigrateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the journal tables",
		Long:  "Connects to the journal database named in the config and migrates all tables.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBMigrate(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "relay.yaml", "path to relay config file")
	return cmd
}

func runDBMigrate(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath, true)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	db, err := journal.Open(cfg.Journal.Driver, cfg.Journal.DSN)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Connected to %s journal\n", cfg.Journal.Driver)

	if err := journal.AutoMigrate(db); err != nil {
		return err
	}
	fmt.Fprintf(out, "Migrated %d tables\n", len(journal.AllModels()))
	return nil
}
