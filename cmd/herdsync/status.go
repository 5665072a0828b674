package main

import (
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pasturetech/herdsync/internal/types"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print sync status for every known tenant and exit",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	tenants, err := rt.store.Tenants(ctx)
	if err != nil {
		return err
	}

	statuses := make([]*types.SyncStatus, 0, len(tenants))
	for _, tenant := range tenants {
		status, err := rt.store.SyncStatus(ctx, tenant)
		if err != nil {
			return err
		}
		statuses = append(statuses, status)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		Phase   string              `json:"migrationPhase"`
		Tenants []*types.SyncStatus `json:"tenants"`
	}{
		Phase:   string(rt.flags.Phase()),
		Tenants: statuses,
	})
}
