package app

import (
	"encoding/json"
	"fmt"
	"io"

	"vehiclecheck/internal/calendar"
	"vehiclecheck/internal/clock"
	"vehiclecheck/internal/dvla"
	"vehiclecheck/internal/entities"

	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"
)

const (
	outputTable = "table"
	outputJSON  = "json"
)

func newLookupCommand(c *cli) *cobra.Command {
	var (
		apiKey string
		output string
	)

	cmd := &cobra.Command{
		Use:   "lookup REGISTRATION",
		Short: "Look up a single vehicle without touching Home Assistant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if output != outputTable && output != outputJSON {
				return fmt.Errorf("unknown output format %q", output)
			}
			if apiKey == "" {
				apiKey = c.opts.DVLAAPIKey
			}
			if apiKey == "" {
				return fmt.Errorf("an API key is required: pass --api-key or set DVLA_API_KEY")
			}

			client := dvla.NewClient(c.logger, dvla.WithEndpoint(c.opts.DVLAEndpoint))
			record, err := client.Lookup(cmd.Context(), args[0], apiKey)
			if err != nil {
				return err
			}

			if output == outputJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(record)
			}
			return printRecord(cmd.OutOrStdout(), dvla.NormalizeRegistration(args[0]), record)
		},
	}

	cmd.Flags().StringVar(&apiKey, "api-key", "", "API key for this lookup; defaults to DVLA_API_KEY.")
	cmd.Flags().StringVarP(&output, "output", "o", outputTable, "Output format: table or json.")
	return cmd
}

// snapshot is a fixed, already-fetched record
type snapshot struct {
	record dvla.Record
}

func (s snapshot) Data() dvla.Record { return s.record }
func (s snapshot) Available() bool { return true }
func (s snapshot) AddListener(func()) func() { return func() {} }

// printRecord renders the entities a vehicle would expose plus its reminders
func printRecord(w io.Writer, reg string, record dvla.Record) error {
	table := uitable.New()
	table.MaxColWidth = 60
	table.Wrap = true

	table.AddRow("ENTITY", "NAME", "STATE")
	for _, src := range entities.Build(reg, snapshot{record: record}, clock.NewRealClock(), false) {
		table.AddRow(src.ID(), src.Name(), src.State())
	}
	if _, err := fmt.Fprintln(w, table); err != nil {
		return err
	}

	reminders := uitable.New()
	reminders.AddRow("REMINDER", "DATE")
	for _, kind := range calendar.ReminderKinds {
		date, ok, err := record.Date(kind.Field())
		switch {
		case err != nil:
			reminders.AddRow(kind.Summary(reg), "invalid date")
		case ok:
			reminders.AddRow(kind.Summary(reg), date.Format(dvla.DateLayout))
		}
	}
	_, err := fmt.Fprintf(w, "\n%s\n", reminders)
	return err
}
