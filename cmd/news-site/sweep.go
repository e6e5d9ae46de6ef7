package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"news-site-backend/pkg/sweeper"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

func newSweepCmd() *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:       "sweep <job>",
		Short:     "Run one sweeper job now (" + strings.Join(sweeper.Jobs, ", ") + ")",
		Args:      cobra.ExactArgs(1),
		ValidArgs: sweeper.Jobs,
		RunE: func(cmd *cobra.Command, args []string) error {
			now := time.Now()
			if at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("invalid --at: %w", err)
				}
				now = t
			}

			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			// 一次性命令不暴露指标，使用独立的注册表
			a, err := newApp(cmd.Context(), cfg, logger, prometheus.NewRegistry())
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.sweeper.Run(cmd.Context(), args[0], now)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "evaluate the job as of this RFC3339 time")
	return cmd
}
