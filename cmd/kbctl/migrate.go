package main

import (
	"github.com/spf13/cobra"

	"kbflow/internal/config"
	"kbflow/internal/storage"
)

func migrateCMD() *cobra.Command {
	var direction string
	var steps int

	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			if err := storage.Migrate(cfg.PostgresURL, direction, steps); err != nil {
				return err
			}
			cmd.Printf("migrations applied (%s)\n", direction)
			return nil
		},
	}
	migrate.Flags().StringVar(&direction, "direction", "up", "up or down")
	migrate.Flags().IntVar(&steps, "steps", 0, "number of steps (0 = all)")
	return migrate
}
