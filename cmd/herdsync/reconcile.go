package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pasturetech/herdsync/internal/reconcile"
)

var reconcileHeal bool

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run one reconciliation sweep across both remote stores and exit",
	RunE:  runReconcile,
}

func init() {
	reconcileCmd.Flags().BoolVar(&reconcileHeal, "heal", false,
		"copy missing rows from the store holding more of them")
	rootCmd.AddCommand(reconcileCmd)
}

func runReconcile(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	if !rt.primaryConfigured {
		return fmt.Errorf("HERDSYNC_PRIMARY_DSN is required to reconcile")
	}

	archiver, err := reconcile.NewArchiver(rt.cfg.Reconcile.Archive)
	if err != nil {
		return err
	}
	job := reconcile.NewJob(rt.coord.Legacy(), rt.coord.Primary(), rt.store, rt.metrics, reconcileHeal)
	runner := reconcile.NewRunner(job, archiver, time.Duration(rt.cfg.Reconcile.Interval))

	report, err := runner.RunOnce(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return err
	}

	if report.Status == reconcile.StatusFailed {
		return fmt.Errorf("reconciliation failed with drift %d", report.TotalDrift)
	}
	return nil
}
