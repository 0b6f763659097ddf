package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"

	"github.com/next-trace/scg-banker/aml"
	cbus "github.com/next-trace/scg-banker/contract/bus"
	berr "github.com/next-trace/scg-banker/contract/errors"
	"github.com/next-trace/scg-banker/memory"
	"github.com/next-trace/scg-banker/router"
)

func routeCmd() *cobra.Command {
	var (
		tablePath string
		maxAmount float64
	)

	cmd := &cobra.Command{
		Use:   "route <json>",
		Short: "Dry-run a withdrawal payload through screening and rail selection",
		Long: `Runs one ledger.withdraw payload through the AML amount limit and the
routing table against an in-memory bus and prints where it would be published.
Nothing leaves the process.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := []byte(args[0])
			if !gjson.ValidBytes(payload) {
				return fmt.Errorf("payload is not valid JSON: %w", berr.ErrInvalidConfig)
			}

			table, err := loadTable(tablePath)
			if err != nil {
				return err
			}

			reg, sys, cleanup := memory.New(nil)
			defer cleanup()

			r := router.New(aml.AmountLimit{Max: maxAmount}, reg, router.WithTable(table))

			msg := cbus.Message{Topic: router.TopicLedgerWithdraw, Payload: payload}
			if err := r.HandleWithdrawal(cmd.Context(), msg); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			disc := router.Discriminator(payload)

			published := sys.Published()
			if len(published) == 0 {
				_, err := fmt.Fprintf(out, "discriminator=%q rejected\n", disc)
				return err
			}

			_, err = fmt.Fprintf(out, "discriminator=%q topic=%s\n", disc, published[0].Topic)

			return err
		},
	}

	cmd.Flags().StringVar(&tablePath, "table", "", "routing table YAML file (default: built-in rails)")
	cmd.Flags().Float64Var(&maxAmount, "max-amount", 0, "AML amount limit; 0 disables it")

	return cmd
}
