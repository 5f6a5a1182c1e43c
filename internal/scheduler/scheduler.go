package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.temporal.io/api/enums/v1"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/tundeaj/Signoff.Pro-Development-Project-3273/internal/protocol"
)

const (
	DefaultTaskQueue  = "SIGNOFF_SWEEP_TASK_QUEUE"
	SweepWorkflowID   = "signoff-expiry-sweep"
	SweepActivityName = "Sweep"
)

// Sweeper runs one pass over open envelopes.
type Sweeper interface {
	Tick(ctx context.Context) (protocol.TickReport, error)
}

type Activities struct {
	Sweeper Sweeper
}

func (a *Activities) Sweep(ctx context.Context) (protocol.TickReport, error) {
	if a.Sweeper == nil {
		return protocol.TickReport{}, errors.New("sweeper is not configured")
	}
	return a.Sweeper.Tick(ctx)
}

type SweepParams struct {
	Interval time.Duration `json:"interval"`
	// IterationsPerRun bounds history growth; the workflow continues as new
	// after this many sweeps.
	IterationsPerRun int `json:"iterations_per_run"`
}

func (p SweepParams) withDefaults() SweepParams {
	if p.Interval <= 0 {
		p.Interval = time.Minute
	}
	if p.IterationsPerRun <= 0 {
		p.IterationsPerRun = 500
	}
	return p
}

// ExpirySweepWorkflow calls the sweep activity on a fixed interval forever.
func ExpirySweepWorkflow(ctx workflow.Context, params SweepParams) error {
	params = params.withDefaults()
	logger := workflow.GetLogger(ctx)

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: params.Interval + 30*time.Second,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    params.Interval,
			MaximumAttempts:    3,
		},
	})

	for i := 0; i < params.IterationsPerRun; i++ {
		var report protocol.TickReport
		if err := workflow.ExecuteActivity(ctx, SweepActivityName).Get(ctx, &report); err != nil {
			logger.Error("sweep failed", "iteration", i, "error", err)
		} else if report.Expired > 0 || report.Reminded > 0 || report.Conflicts > 0 || report.Failed > 0 {
			logger.Info("sweep finished",
				"scanned", report.Scanned,
				"expired", report.Expired,
				"reminded", report.Reminded,
				"conflicts", report.Conflicts,
				"failed", report.Failed,
			)
		}
		if err := workflow.Sleep(ctx, params.Interval); err != nil {
			return err
		}
	}
	return workflow.NewContinueAsNewError(ctx, ExpirySweepWorkflow, params)
}

func NewWorker(c client.Client, taskQueue string, acts *Activities) worker.Worker {
	w := worker.New(c, taskQueue, worker.Options{})
	w.RegisterWorkflow(ExpirySweepWorkflow)
	w.RegisterActivity(acts)
	return w
}

// StartSweep starts the singleton sweep workflow, attaching to the running
// execution if one exists.
func StartSweep(ctx context.Context, c client.Client, taskQueue string, params SweepParams) (client.WorkflowRun, error) {
	run, err := c.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:                       SweepWorkflowID,
		TaskQueue:                taskQueue,
		WorkflowIDConflictPolicy: enums.WORKFLOW_ID_CONFLICT_POLICY_USE_EXISTING,
	}, ExpirySweepWorkflow, params.withDefaults())
	if err != nil {
		return nil, fmt.Errorf("start sweep workflow: %w", err)
	}
	return run, nil
}

// RunLocal sweeps in process until ctx is cancelled.
func RunLocal(ctx context.Context, sweeper Sweeper, interval time.Duration, logger *slog.Logger) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sweep := func() {
		if _, err := sweeper.Tick(ctx); err != nil {
			logger.Error("sweep failed", slog.String("error", err.Error()))
		}
	}
	sweep()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			sweep()
		}
	}
}
