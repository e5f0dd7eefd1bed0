package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"rollup-swap/internal/storage/migrations"
	pgstore "rollup-swap/internal/storage/postgres"
)

func (a *app) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the journal and analytics schemas",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := a.prepare()
			if err != nil {
				return err
			}

			pgDSN := a.v.GetString("postgres_dsn")
			chDSN := a.v.GetString("clickhouse_dsn")
			if pgDSN == "" && chDSN == "" {
				return fmt.Errorf("nothing to migrate: set postgres_dsn and/or clickhouse_dsn")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Minute)
			defer cancel()

			if pgDSN != "" {
				pool, err := pgstore.NewPool(ctx, pgDSN)
				if err != nil {
					return fmt.Errorf("connect to postgres: %w", err)
				}
				defer pool.Close()

				applied, err := migrations.RunPostgresMigrations(ctx, pool)
				if err != nil {
					return err
				}
				log.Info().Strs("applied", applied).Msg("postgres migrated")
			}

			if chDSN != "" {
				conn, err := migrations.RunClickhouseMigrations(ctx, chDSN)
				if err != nil {
					return err
				}
				conn.Close()
				log.Info().Msg("clickhouse migrated")
			}
			return nil
		},
	}
}
