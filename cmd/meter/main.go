package main

import (
	"fmt"
	"os"
	_ "time/tzdata" // user timezones must resolve on hosts without zoneinfo

	"github.com/spf13/cobra"

	"github.com/vnmchuo/usage-meter/internal/telemetry"
)

func main() {
	root := &cobra.Command{
		Use:     "meter",
		Short:   "Usage metering and admission for LLM and paid API calls",
		Version: telemetry.ServiceVersion,
	}

	root.AddCommand(
		newServeCmd(),
		newMigrateCmd(),
		newCostCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
