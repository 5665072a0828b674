package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var syncTenant string

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one full sync cycle for a tenant and exit",
	RunE:  runSync,
}

func init() {
	syncCmd.Flags().StringVar(&syncTenant, "tenant", "", "tenant to sync (required)")
	syncCmd.MarkFlagRequired("tenant")
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	report, err := rt.engine.FullSync(ctx, syncTenant)
	if err != nil {
		return fmt.Errorf("sync %s: %w", syncTenant, err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
