package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	_ = godotenv.Load() // loads .env

	root := &cobra.Command{
		Use:           "callscribe",
		Short:         "Call recording transcription pipeline",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(runCmd(), reprocessCmd(), exportCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
