package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/vjranagit/histmanager/pkg/history"
	"github.com/vjranagit/histmanager/pkg/types"
)

var (
	queryItems    string
	queryFrom     int64
	queryTo       int64
	queryWidth    int
	queryInterval int64
	queryFunction string
	lastLimit     int
	lastPeriod    int64
)

var aggregateCmd = &cobra.Command{
	Use:   "aggregate",
	Short: "Print bucketed aggregates from the local store",
	Long: `Runs one aggregation against the configured stores and prints the result
as JSON. The embedded database is opened directly, so this cannot run while
a server holds the same storage path.

Examples:
  histmanager aggregate --items 23296,23297 --from 1700000000 --to 1700086400 --width 200 --function avg
  histmanager aggregate --items 23296 --from 1700000000 --to 1700086400 --interval 3600 --function max`,
	RunE: runAggregate,
}

var lastCmd = &cobra.Command{
	Use:   "last",
	Short: "Print the newest samples of items from the local store",
	RunE:  runLast,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "histmanager v%s\n", version)
	},
}

func init() {
	aggregateCmd.Flags().StringVar(&queryItems, "items", "", "Comma-separated item ids")
	aggregateCmd.Flags().Int64Var(&queryFrom, "from", 0, "Window start (unix seconds)")
	aggregateCmd.Flags().Int64Var(&queryTo, "to", 0, "Window end (unix seconds, default now)")
	aggregateCmd.Flags().IntVar(&queryWidth, "width", 100, "Number of buckets")
	aggregateCmd.Flags().Int64Var(&queryInterval, "interval", 0, "Bucket interval in seconds (overrides --width)")
	aggregateCmd.Flags().StringVar(&queryFunction, "function", "avg", "Aggregation function (min, max, avg, count, sum, first, last)")
	aggregateCmd.MarkFlagRequired("items")

	lastCmd.Flags().StringVar(&queryItems, "items", "", "Comma-separated item ids")
	lastCmd.Flags().IntVar(&lastLimit, "limit", 1, "Samples per item")
	lastCmd.Flags().Int64Var(&lastPeriod, "period", 0, "Only samples from the last period seconds (0 for any)")
	lastCmd.MarkFlagRequired("items")
}

func parseItemIDs(s string) ([]uint64, error) {
	var ids []uint64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseUint(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid item id %q", part)
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("at least one item id is required")
	}
	return ids, nil
}

// openForQuery opens the stores and resolves the --items flag
func openForQuery() (*app, []types.Item, error) {
	ids, err := parseItemIDs(queryItems)
	if err != nil {
		return nil, nil, err
	}
	cfg, logger, _, err := setup()
	if err != nil {
		return nil, nil, err
	}
	a, err := newApp(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	items, missing := a.db.Catalog().Lookup(ids)
	if len(missing) > 0 {
		a.Close()
		return nil, nil, fmt.Errorf("unknown items %v", missing)
	}
	return a, items, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runAggregate(cmd *cobra.Command, args []string) error {
	fn, err := types.ParseFunction(queryFunction)
	if err != nil {
		return err
	}
	to := queryTo
	if to == 0 {
		to = time.Now().Unix()
	}

	a, items, err := openForQuery()
	if err != nil {
		return err
	}
	defer a.Close()

	var result *history.SeriesResult
	if queryInterval > 0 {
		result, err = a.manager.AggregateByInterval(cmd.Context(), history.IntervalRequest{
			Items: items, From: queryFrom, To: to, Interval: queryInterval, Function: fn,
		})
	} else {
		result, err = a.manager.AggregateByWidth(cmd.Context(), history.AggregateRequest{
			Items: items, From: queryFrom, To: to, Width: queryWidth, Function: fn,
		})
	}
	if err != nil {
		return err
	}

	for id, err := range result.Unavailable {
		fmt.Fprintf(os.Stderr, "item %d unavailable: %v\n", id, err)
	}
	return printJSON(result.Series)
}

func runLast(cmd *cobra.Command, args []string) error {
	a, items, err := openForQuery()
	if err != nil {
		return err
	}
	defer a.Close()

	result, err := a.manager.GetLastValues(cmd.Context(), items, lastLimit, lastPeriod)
	if err != nil {
		return err
	}
	for id, err := range result.Unavailable {
		fmt.Fprintf(os.Stderr, "item %d unavailable: %v\n", id, err)
	}
	return printJSON(result.Values)
}
