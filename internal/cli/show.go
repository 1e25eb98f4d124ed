package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"nem-price-alerts/internal/app"
)

var (
	showRegion string
	showLimit  int
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display recent dispatch prices",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Region: showRegion,
			Limit:  showLimit,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().StringVar(&showRegion, "region", "NSW1", "NEM region id")
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of intervals to display")
}
