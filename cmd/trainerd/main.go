package main

import (
	"log"

	"github.com/spf13/cobra"

	"github.com/stochlab/latentrain/trainerd"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "trainerd",
		Short: "Trainer Daemon",
		Long:  `Trainer Daemon manages the lifecycle of latent-variable training runs.`,
	}

	trainerCmd := trainerd.NewTrainerCmd()

	rootCmd.AddCommand(trainerCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
