package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marcus-qen/dispatchd/internal/config"
	"github.com/marcus-qen/dispatchd/internal/domain"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print a point-in-time summary of dispatchd's state",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	a, err := build(cfg, logger)
	if err != nil {
		return fmt.Errorf("wire components: %w", err)
	}
	defer a.close()

	pending, err := a.store.GetTasks(cmd.Context(), domain.Filter{Status: []domain.TaskStatus{domain.StatusPending}})
	if err != nil {
		return fmt.Errorf("query pending tasks: %w", err)
	}
	blocked, err := a.store.GetTasks(cmd.Context(), domain.Filter{Status: []domain.TaskStatus{domain.StatusBlocked}})
	if err != nil {
		return fmt.Errorf("query blocked tasks: %w", err)
	}
	inProgress, err := a.store.GetTasks(cmd.Context(), domain.Filter{Status: []domain.TaskStatus{domain.StatusInProgress}})
	if err != nil {
		return fmt.Errorf("query in-progress tasks: %w", err)
	}

	killSwitch := a.flags.IsDisabled()

	fmt.Printf("dispatchd status\n")
	fmt.Printf("  pending tasks:       %d\n", len(pending))
	fmt.Printf("  in-progress tasks:   %d\n", len(inProgress))
	fmt.Printf("  blocked tasks:       %d\n", len(blocked))
	fmt.Printf("  active workers:      %d / %d\n", a.supervisor.Count(), cfg.Supervisor.MaxConcurrent)
	fmt.Printf("  ledger entries:      %d\n", a.ledger.Count())
	fmt.Printf("  kill switch tripped: %t\n", killSwitch)

	return nil
}
