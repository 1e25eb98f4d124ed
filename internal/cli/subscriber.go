package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"nem-price-alerts/internal/app"
)

var (
	subscriberID     int64
	subscriberRegion string
	subscriberHigh   float64
	subscriberLow    float64
)

var subscriberCmd = &cobra.Command{
	Use:   "subscriber",
	Short: "Register a subscriber or update their thresholds",
	RunE: func(cmd *cobra.Command, args []string) error {
		if subscriberID == 0 {
			return errors.New("--id must be provided")
		}

		opts := app.SubscriberOptions{
			ID:     subscriberID,
			Region: subscriberRegion,
		}
		if cmd.Flags().Changed("high") || cmd.Flags().Changed("low") {
			if !cmd.Flags().Changed("high") || !cmd.Flags().Changed("low") {
				return errors.New("--high and --low must be set together")
			}
			opts.High = &subscriberHigh
			opts.Low = &subscriberLow
		}

		return getApp().UpsertSubscriber(cmd.Context(), opts)
	},
}

func init() {
	subscriberCmd.Flags().Int64Var(&subscriberID, "id", 0, "Subscriber chat id")
	subscriberCmd.Flags().StringVar(&subscriberRegion, "region", "NSW1", "NEM region id")
	subscriberCmd.Flags().Float64Var(&subscriberHigh, "high", 150, "High price threshold ($/MWh)")
	subscriberCmd.Flags().Float64Var(&subscriberLow, "low", 0, "Low price threshold ($/MWh)")
}
