// Package worker exposes helpers to register workflows and activities with a
// Temporal worker.
package worker

import (
	sdkworkflow "go.temporal.io/sdk/workflow"

	"github.com/ahrav/go-avs/internal/operations"
	"github.com/ahrav/go-avs/internal/workflow"
)

// Registrar is the registration surface shared by Temporal workers and the
// test workflow environment.
type Registrar interface {
	RegisterWorkflowWithOptions(w any, options sdkworkflow.RegisterOptions)
	RegisterActivity(a any)
}

// RegisterAll registers all workflows and engine activities. It must be
// called once during worker initialization before the worker starts.
func RegisterAll(w Registrar, wfs *workflow.Workflows, acts *operations.Activities) {
	w.RegisterWorkflowWithOptions(wfs.SettlementWorkflow,
		sdkworkflow.RegisterOptions{Name: workflow.SettlementWorkflowName})
	w.RegisterWorkflowWithOptions(wfs.TaskWorkflow,
		sdkworkflow.RegisterOptions{Name: workflow.TaskWorkflowName})

	w.RegisterActivity(acts.RegisterOperator)
	w.RegisterActivity(acts.CreateTask)
	w.RegisterActivity(acts.SubmitResult)
	w.RegisterActivity(acts.GetTask)
	w.RegisterActivity(acts.GetOperator)
	w.RegisterActivity(acts.ExpireTask)
	w.RegisterActivity(acts.SettleTask)
}
