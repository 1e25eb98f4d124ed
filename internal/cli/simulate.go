package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"nem-price-alerts/internal/app"
)

var (
	simulateSubscriber int64
	simulateRegion     string
	simulatePrice      float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "模拟一个价格并触发告警流程",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateSubscriber == 0 {
			return errors.New("--subscriber 必须配置")
		}

		opts := app.SimulateOptions{
			SubscriberID: simulateSubscriber,
			Region:       simulateRegion,
			Price:        simulatePrice,
		}
		return getApp().SimulateAlert(cmd.Context(), opts)
	},
}

func init() {
	simulateCmd.Flags().Int64Var(&simulateSubscriber, "subscriber", 0, "订阅者 chat id")
	simulateCmd.Flags().StringVar(&simulateRegion, "region", "NSW1", "NEM region id")
	simulateCmd.Flags().Float64Var(&simulatePrice, "price", 300, "模拟价格 ($/MWh)")
}
