package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/digitaldemocracy2030/idobata/internal/services"
	"github.com/digitaldemocracy2030/idobata/internal/workflows"
)

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the Temporal worker for the question, policy and extraction workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := services.Options{Name: "idobata-worker", Dispatch: services.DispatchTemporal}
			return withRegistry(cmd.Context(), opts, func(reg *services.Registry, logger *zap.Logger) error {
				queue := reg.Config().Temporal.TaskQueue
				w := worker.New(reg.Temporal(), queue, worker.Options{})
				workflows.Register(w, reg.Activities())

				logger.Info("temporal worker started",
					zap.String("host", reg.Config().Temporal.HostPort),
					zap.String("task_queue", queue),
				)
				if err := w.Run(worker.InterruptCh()); err != nil {
					return fmt.Errorf("temporal worker: %w", err)
				}
				return nil
			})
		},
	}
}
