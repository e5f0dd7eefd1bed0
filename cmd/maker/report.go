package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"rollup-swap/internal/reporting"
	chstore "rollup-swap/internal/storage/clickhouse"
)

func (a *app) reportCmd() *cobra.Command {
	var (
		since  time.Duration
		format string
		out    string
	)

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Summarize recorded swap outcomes",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := a.prepare()
			if err != nil {
				return err
			}
			dsn := a.v.GetString("clickhouse_dsn")
			if dsn == "" {
				return errors.New("clickhouse_dsn is required")
			}

			ctx := cmd.Context()
			conn, err := chstore.NewConn(ctx, dsn)
			if err != nil {
				return fmt.Errorf("connect to clickhouse: %w", err)
			}
			defer conn.Close()

			to := time.Now()
			report, err := reporting.NewGenerator(chstore.NewOutcomeStore(conn)).
				Generate(ctx, to.Add(-since).UnixMilli(), to.UnixMilli())
			if err != nil {
				return err
			}

			var body string
			switch format {
			case "markdown", "md":
				body = reporting.RenderMarkdown(report)
			case "csv":
				body = reporting.RenderCSV(report.Pairs)
			default:
				return fmt.Errorf("unknown format %q", format)
			}

			if out == "" {
				_, err = fmt.Fprint(cmd.OutOrStdout(), body)
				return err
			}
			if err := os.WriteFile(out, []byte(body), 0o644); err != nil {
				return err
			}
			log.Info().Str("path", out).Int("swaps", report.Summary.Total).Msg("report written")
			return nil
		},
	}

	cmd.Flags().DurationVar(&since, "since", 24*time.Hour, "Report window ending now")
	cmd.Flags().StringVar(&format, "format", "markdown", "Output format: markdown or csv")
	cmd.Flags().StringVar(&out, "out", "", "Output file (stdout if empty)")
	return cmd
}
