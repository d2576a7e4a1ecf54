package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/vnmchuo/usage-meter/internal/pricing"
	"github.com/vnmchuo/usage-meter/internal/usage"
)

func newCostCmd() *cobra.Command {
	var (
		pricingFile  string
		model        string
		inputTokens  int64
		outputTokens int64
		provider     string
		chars        int64
		bytes        int64
	)

	cmd := &cobra.Command{
		Use:   "cost",
		Short: "Price a single call against the pricing table",
		RunE: func(cmd *cobra.Command, args []string) error {
			table := pricing.DefaultTable()
			if pricingFile != "" {
				var err error
				table, err = pricing.LoadFile(pricingFile)
				if err != nil {
					return err
				}
			}

			var meta *usage.CostMeta
			if provider != "" {
				p := usage.Provider(provider)
				switch p {
				case usage.ProviderOpenAI, usage.ProviderMinimax, usage.ProviderBlob:
				default:
					return fmt.Errorf("unknown provider %q (want openai, minimax or blob)", provider)
				}
				meta = &usage.CostMeta{Provider: p, Chars: chars, Bytes: bytes}
			}

			c := pricing.Calculate(table, model, inputTokens, outputTokens, meta)
			printCost(cmd.OutOrStdout(), c)
			return nil
		},
	}

	cmd.Flags().StringVar(&pricingFile, "pricing", os.Getenv("PRICING_FILE"), "path to a pricing YAML file")
	cmd.Flags().StringVarP(&model, "model", "m", "", "model name")
	cmd.Flags().Int64Var(&inputTokens, "in", 0, "input tokens")
	cmd.Flags().Int64Var(&outputTokens, "out", 0, "output tokens")
	cmd.Flags().StringVar(&provider, "provider", "", "extra cost contributor (minimax or blob)")
	cmd.Flags().Int64Var(&chars, "chars", 0, "characters for minimax")
	cmd.Flags().Int64Var(&bytes, "bytes", 0, "bytes for blob storage")

	return cmd
}

func printCost(w io.Writer, c usage.Cost) {
	fmt.Fprintf(w, "%-10s %14s %14s\n", "PROVIDER", "MICRO_USD", "USD")
	row := func(name string, micro int64) {
		fmt.Fprintf(w, "%-10s %14d %14.6f\n", name, micro, float64(micro)/1e6)
	}
	row("openai", c.OpenAIMicro)
	row("minimax", c.MinimaxMicro)
	row("blob", c.BlobMicro)
	row("total", c.TotalMicro)
}
