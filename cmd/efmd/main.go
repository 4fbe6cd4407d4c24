// Command efmd is the EFM Runtime's process entrypoint: it starts the
// governance kernel (serve), submits authenticated operator commands to
// a running instance (override), inspects the forensic audit chain
// (audit verify), and reports local environment readiness (doctor).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "efmd",
	Short: "EFM Runtime governance kernel",
	Long:  "efmd runs and administers the EFM Runtime: capsule registry, stress and tether control, the five-stage decision pipeline, and the judicial and override subsystems.",
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to the runtime configuration document")
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(overrideCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(doctorCmd)
}
