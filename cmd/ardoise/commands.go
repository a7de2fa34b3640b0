package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"ardoise/internal/config"
	"ardoise/internal/domain"
	"ardoise/internal/gate"
	"ardoise/internal/seed"
	"ardoise/internal/store/sqldb"
)

const skipAppAnnotation = "ardoise/skip-app"

type rootState struct {
	metricsTextfile string
	app             *app
	loadConfig      func() (*config.Config, error)
}

func newRootCmd() *cobra.Command {
	return newRootCommand(config.Load)
}

func newRootCommand(loadConfig func() (*config.Config, error)) *cobra.Command {
	state := &rootState{loadConfig: loadConfig}

	root := &cobra.Command{
		Use:   "ardoise",
		Short: "Operator tool for the ardoise tab ledger",
		Long: `ardoise manages the store behind the bar's tab tracker.

Configuration comes from ARDOISE_* environment variables, optionally read from a .env file.

Example:
  ardoise migrate
  ardoise seed --file menu.yaml
  ardoise history --client marcel --from 2026-10-01 --to 2026-10-16
  ardoise report`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Annotations[skipAppAnnotation] != "" {
				return nil
			}
			cfg, err := state.loadConfig()
			if err != nil {
				return err
			}
			a, err := openApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			state.app = a
			return nil
		},
		PersistentPostRunE: func(_ *cobra.Command, _ []string) error {
			if state.app == nil {
				return nil
			}
			err := multierr.Append(state.app.writeMetrics(state.metricsTextfile), state.app.Close())
			state.app = nil
			return err
		},
	}
	root.PersistentFlags().StringVar(&state.metricsTextfile, "metrics-textfile", "", "write run counters to this file in Prometheus text format")

	root.AddCommand(
		newMigrateCmd(state),
		newSeedCmd(state),
		newReportCmd(state),
		newHistoryCmd(state),
		newHashPasscodeCmd(),
	)
	return root
}

func newMigrateCmd(state *rootState) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations (sqlite and postgres drivers)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sqlStore, ok := state.app.repo.(*sqldb.Store)
			if !ok {
				fmt.Fprintf(cmd.OutOrStdout(), "driver %s has no schema to migrate\n", state.app.cfg.StoreDriver)
				return nil
			}
			version, err := sqlStore.SchemaVersion(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema at version %d\n", version)
			return nil
		},
	}
}

func newSeedCmd(state *rootState) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load a catalog from YAML (built-in bar menu by default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var (
				items []domain.CatalogItem
				err   error
			)
			if file != "" {
				items, err = seed.LoadFile(file)
			} else {
				items, err = seed.Default()
			}
			if err != nil {
				return err
			}
			n, err := seed.Apply(cmd.Context(), state.app.repo, items)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "seeded %d catalog items\n", n)
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "catalog YAML file")
	return cmd
}

func newReportCmd(state *rootState) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Print revenue and profit for the last seven days",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			stats, err := state.app.svc.WeeklyStats(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), stats)
			}
			return writeWeekly(cmd.OutOrStdout(), stats)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func newHistoryCmd(state *rootState) *cobra.Command {
	var (
		client string
		from   string
		to     string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List archived transactions, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			q, err := historyQuery(state.app, client, from, to)
			if err != nil {
				return err
			}
			txs, err := state.app.svc.History(cmd.Context(), q)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), txs)
			}
			return writeHistory(cmd.OutOrStdout(), txs, state.app.loc)
		},
	}
	cmd.Flags().StringVar(&client, "client", "", "client name fragment, case-insensitive")
	cmd.Flags().StringVar(&from, "from", "", "first day to include (YYYY-MM-DD)")
	cmd.Flags().StringVar(&to, "to", "", "last day to include (YYYY-MM-DD)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func newHashPasscodeCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "hash-passcode [passcode]",
		Short:       "Print a bcrypt hash usable as ARDOISE_CATALOG_PASSCODE",
		Args:        cobra.MaximumNArgs(1),
		Annotations: map[string]string{skipAppAnnotation: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			passcode := ""
			if len(args) == 1 {
				passcode = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && !errors.Is(err, io.EOF) {
					return err
				}
				passcode = line
			}
			passcode = strings.TrimSpace(passcode)
			if passcode == "" {
				return errors.New("passcode is empty")
			}
			hash, err := gate.HashPasscode(passcode)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

// historyQuery turns the day flags into an inclusive range of whole days in the
// venue's time zone.
func historyQuery(a *app, client string, from string, to string) (domain.HistoryQuery, error) {
	q := domain.HistoryQuery{ClientName: client}
	if from == "" && to == "" {
		return q, nil
	}
	if from == "" {
		from = to
	}
	if to == "" {
		to = from
	}
	fromDay, err := time.ParseInLocation(time.DateOnly, from, a.loc)
	if err != nil {
		return q, fmt.Errorf("--from: %w", err)
	}
	toDay, err := time.ParseInLocation(time.DateOnly, to, a.loc)
	if err != nil {
		return q, fmt.Errorf("--to: %w", err)
	}
	start, end := a.svc.DayRange(fromDay, toDay)
	q.From = &start
	q.To = &end
	return q, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeWeekly(w io.Writer, stats domain.WeeklyStats) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "DAY\tREVENUE\tPROFIT\t")
	for _, day := range stats.Days {
		fmt.Fprintf(tw, "%s\t%s\t%s\t\n", day.Date.Format("Mon 02/01"), day.Revenue.StringFixed(2), day.Profit.StringFixed(2))
	}
	return tw.Flush()
}

func writeHistory(w io.Writer, txs []domain.Transaction, loc *time.Location) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tCLIENT\tKIND\tMETHOD\tITEMS\tTOTAL\tPROFIT")
	for _, tx := range txs {
		units := 0
		for _, line := range tx.Lines {
			units += line.Quantity
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			tx.Timestamp.In(loc).Format("2006-01-02 15:04"),
			tx.ClientName,
			tx.Kind,
			tx.PaymentMethod,
			units,
			tx.TotalSale.StringFixed(2),
			tx.Profit().StringFixed(2),
		)
	}
	return tw.Flush()
}
