package app

import (
	"cmp"
	"fmt"
	"io"
	"slices"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/stacklok/frame-sync/internal/config"
	"github.com/stacklok/frame-sync/internal/selection"
	"github.com/stacklok/frame-sync/internal/state"
)

const timeLayout = "2006-01-02 15:04"

func (c *cli) newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent sync runs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			limit, err := cmd.Flags().GetInt("limit")
			if err != nil {
				return err
			}
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			return withStore(cfg, func(store state.Store) error {
				runs, err := store.ListRuns(cmd.Context(), limit)
				if err != nil {
					return err
				}
				return renderRuns(cmd.OutOrStdout(), runs)
			})
		},
	}
	cmd.Flags().Int("limit", 20, "Number of runs to show (0 for all)")
	return cmd
}

func (c *cli) newItemsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "items",
		Short: "Show per-photo show history and current selection weight",
		RunE: func(cmd *cobra.Command, _ []string) error {
			limit, err := cmd.Flags().GetInt("limit")
			if err != nil {
				return err
			}
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			return withStore(cfg, func(store state.Store) error {
				items, err := store.GetAllItems(cmd.Context())
				if err != nil {
					return err
				}
				period := selection.Period(cfg.Sync.Period, time.Now())
				return renderItems(cmd.OutOrStdout(), items, period, cfg.Sync.MaxShowCount, limit)
			})
		},
	}
	cmd.Flags().Int("limit", 50, "Number of photos to show (0 for all)")
	return cmd
}

func withStore(cfg *config.Config, fn func(state.Store) error) (err error) {
	store, err := state.New(&cfg.State)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := store.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(store)
}

func renderRuns(w io.Writer, runs []state.RunRecord) error {
	table := tablewriter.NewWriter(w)
	table.Header("ID", "Run at", "Period", "Fetched", "Selected", "Downloaded", "Result")
	for _, r := range runs {
		result := "ok"
		if !r.Success {
			result = "failed at " + r.FailureStage + ": " + r.FailureMessage
		}
		row := []string{
			strconv.FormatInt(r.ID, 10),
			r.RunAt.Local().Format(timeLayout),
			r.Period,
			strconv.Itoa(r.Fetched),
			strconv.Itoa(r.Selected),
			strconv.Itoa(r.Downloaded),
			result,
		}
		if err := table.Append(row); err != nil {
			return fmt.Errorf("failed to render run %d: %w", r.ID, err)
		}
	}
	return table.Render()
}

func renderItems(w io.Writer, items []state.ItemRecord, period string, maxShowCount, limit int) error {
	type weighted struct {
		state.ItemRecord
		weight int
	}

	rows := make([]weighted, 0, len(items))
	for _, it := range items {
		rows = append(rows, weighted{ItemRecord: it, weight: selection.Weight(&it, period, maxShowCount)})
	}
	slices.SortFunc(rows, func(a, b weighted) int {
		return cmp.Or(cmp.Compare(b.weight, a.weight), cmp.Compare(a.ID, b.ID))
	})
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}

	table := tablewriter.NewWriter(w)
	table.Header("ID", "Filename", "Shown", "Last shown", "Weight")
	for _, r := range rows {
		last := "never"
		if r.LastShownAt != nil {
			last = r.LastShownAt.Local().Format(timeLayout) + " (" + r.LastShownPeriod + ")"
		}
		row := []string{r.ID, r.Filename, strconv.Itoa(r.TimesShown), last, strconv.Itoa(r.weight)}
		if err := table.Append(row); err != nil {
			return fmt.Errorf("failed to render item %s: %w", r.ID, err)
		}
	}
	return table.Render()
}
