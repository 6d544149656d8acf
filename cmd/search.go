package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/company-search/internal/search"
)

var (
	searchCount   int
	searchAccount string
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Run one search in-process and print its events as NDJSON",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initSearch(ctx, cfg, "search")
		if err != nil {
			return err
		}
		defer env.Close()

		var failed bool
		enc := json.NewEncoder(os.Stdout)
		err = env.Orchestrator.Run(ctx, search.Request{
			AccountID:    searchAccount,
			Query:        strings.Join(args, " "),
			DesiredCount: searchCount,
		}, func(ev search.Event) {
			if ev.Type == search.EventError {
				failed = true
			}
			if err := enc.Encode(ev); err != nil {
				zap.L().Warn("write event", zap.Error(err))
			}
		})
		if err != nil {
			return eris.Wrap(err, "search")
		}
		if failed {
			return eris.New("search failed")
		}
		return nil
	},
}

func init() {
	searchCmd.Flags().IntVarP(&searchCount, "count", "n", 0, "number of companies to find (default from config)")
	searchCmd.Flags().StringVar(&searchAccount, "account", "cli", "account the run is recorded and rate limited under")
	rootCmd.AddCommand(searchCmd)
}
