// Package process is the service surface of the engine: it validates
// requests, walks the withdraw and rollback state machine and delegates the
// actual work to the runtime.
package process

import (
	"context"
	"log/slog"

	"github.com/go-playground/validator/v10"

	"github.com/rendis/procflow/internal/activity"
	"github.com/rendis/procflow/internal/audit"
	"github.com/rendis/procflow/internal/engine"
	"github.com/rendis/procflow/internal/history"
	"github.com/rendis/procflow/internal/logging"
	"github.com/rendis/procflow/internal/modification"
	"github.com/rendis/procflow/internal/rollback"
	"github.com/rendis/procflow/pkg/schema"
)

// Runtime is what a modification needs from the engine.
type Runtime interface {
	history.Provider
	audit.CommentStore
	modification.Submitter
	FetchActivityTree(ctx context.Context, processInstanceID string) (*activity.Tree, error)
	QueryActiveTasks(ctx context.Context, processInstanceID string) ([]schema.TaskSummary, error)
}

// Lifecycle starts instances and completes tasks.
type Lifecycle interface {
	StartProcessInstance(ctx context.Context, p engine.StartParams) (*schema.ProcessInstance, error)
	CompleteTask(ctx context.Context, taskID, actor string, vars map[string]any) (*schema.ProcessInstance, error)
}

// Service orchestrates withdraw, rollback, start and task completion.
type Service struct {
	runtime   Runtime
	lifecycle Lifecycle
	planner   *modification.Planner
	resolver  *rollback.Resolver
	recorder  *audit.Recorder
	validate  *validator.Validate
	logger    *slog.Logger
}

// NewService wires a Service. *engine.Runtime satisfies both interfaces.
func NewService(rt Runtime, lc Lifecycle, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		runtime:   rt,
		lifecycle: lc,
		planner:   modification.NewPlanner(rt),
		resolver:  rollback.NewResolver(rt),
		recorder:  audit.NewRecorder(rt),
		validate:  newValidator(),
		logger:    logger,
	}
}

// Withdraw cancels the current position of the instance and re-enters
// TaskDefKey. The "withdraw" comment is recorded before the plan is
// submitted; a failed comment aborts the request.
func (s *Service) Withdraw(ctx context.Context, req WithdrawRequest) (modification.Plan, error) {
	ctx = logging.WithIDs(ctx, req.ProcessInstanceID, req.TaskID, req.Actor)
	stage := Received

	if err := s.validate.Struct(req); err != nil {
		return modification.Plan{}, s.reject(ctx, "withdraw", stage, invalidRequest(err))
	}
	// Withdraw has no reject type and its target is the task itself.
	stage = TargetResolved

	tree, err := s.fetchTree(ctx, req.ProcessInstanceID)
	if err != nil {
		return modification.Plan{}, s.reject(ctx, "withdraw", stage, err)
	}
	plan, err := s.planner.Build(tree, tree.RootActivityID(), req.TaskDefKey)
	if err != nil {
		return modification.Plan{}, s.reject(ctx, "withdraw", stage, err)
	}
	stage = TreeResolved

	if _, err := s.recorder.Record(ctx, req.TaskID, req.ProcessInstanceID, req.Actor, audit.NoteWithdraw, req.Reason); err != nil {
		return modification.Plan{}, s.reject(ctx, "withdraw", stage, err)
	}
	if err := s.planner.Apply(ctx, plan); err != nil {
		return modification.Plan{}, s.reject(ctx, "withdraw", stage, err)
	}

	s.submitted(ctx, "withdraw", plan)
	return plan, nil
}

// Rollback rejects the task at TaskDefKey back to the activity selected by
// the reject type and returns the resulting open tasks.
func (s *Service) Rollback(ctx context.Context, req RollbackRequest) ([]schema.TaskSummary, error) {
	ctx = logging.WithIDs(ctx, req.ProcessInstanceID, req.TaskID, req.Actor)
	stage := Received

	if err := s.validate.Struct(req); err != nil {
		return nil, s.reject(ctx, "rollback", stage, invalidRequest(err))
	}
	policy, err := rollback.ParsePolicy(req.RejectType, req.ToActivityID)
	if err != nil {
		return nil, s.reject(ctx, "rollback", stage, err)
	}
	stage = TypeValidated

	target, err := s.resolver.Resolve(ctx, req.ProcessInstanceID, policy)
	if err != nil {
		return nil, s.reject(ctx, "rollback", stage, err)
	}
	stage = TargetResolved

	tree, err := s.fetchTree(ctx, req.ProcessInstanceID)
	if err != nil {
		return nil, s.reject(ctx, "rollback", stage, err)
	}
	plan, err := s.planner.Build(tree, req.TaskDefKey, target)
	if err != nil {
		return nil, s.reject(ctx, "rollback", stage, err)
	}
	stage = TreeResolved

	if _, err := s.recorder.Record(ctx, req.TaskID, req.ProcessInstanceID, req.Actor, audit.NoteReject, req.Reason); err != nil {
		return nil, s.reject(ctx, "rollback", stage, err)
	}
	if err := s.planner.Apply(ctx, plan); err != nil {
		return nil, s.reject(ctx, "rollback", stage, err)
	}
	s.submitted(ctx, "rollback", plan, slog.String("policy", policy.String()))

	return s.runtime.QueryActiveTasks(ctx, req.ProcessInstanceID)
}

// Start starts a process instance. Errors other than bad input or a missing
// definition are reported as "process instance failed to start".
func (s *Service) Start(ctx context.Context, req StartRequest) (*schema.ProcessInstance, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, invalidRequest(err)
	}
	ctx = logging.WithActorID(ctx, req.Starter)

	pi, err := s.lifecycle.StartProcessInstance(ctx, engine.StartParams{
		DefinitionID:  req.ProcessDefID,
		DefinitionKey: req.ProcessDefKey,
		BusinessKey:   req.BusinessKey,
		Starter:       req.Starter,
		Variables:     req.Variables,
	})
	if err != nil {
		switch schema.CodeOf(err) {
		case schema.ErrCodeInvalidInput, schema.ErrCodeNotFound, schema.ErrCodeValidation:
			return nil, err
		}
		return nil, schema.NewError(schema.ErrCodeExecution, "process instance failed to start").
			WithCause(err).
			WithDetails(map[string]any{"process_def_id": req.ProcessDefID, "process_def_key": req.ProcessDefKey})
	}
	return pi, nil
}

// CompleteTask completes an open task and returns the updated instance.
func (s *Service) CompleteTask(ctx context.Context, req CompleteTaskRequest) (*schema.ProcessInstance, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, invalidRequest(err)
	}
	ctx = logging.WithIDs(ctx, "", req.TaskID, req.Actor)
	return s.lifecycle.CompleteTask(ctx, req.TaskID, req.Actor, req.Variables)
}

// ActiveTasks returns the open tasks of an instance.
func (s *Service) ActiveTasks(ctx context.Context, processInstanceID string) ([]schema.TaskSummary, error) {
	return s.runtime.QueryActiveTasks(ctx, processInstanceID)
}

// ActivityTree returns a fresh snapshot of the live tokens of an instance.
func (s *Service) ActivityTree(ctx context.Context, processInstanceID string) (*activity.Tree, error) {
	return s.fetchTree(ctx, processInstanceID)
}

func (s *Service) fetchTree(ctx context.Context, processInstanceID string) (*activity.Tree, error) {
	tree, err := s.runtime.FetchActivityTree(ctx, processInstanceID)
	if err != nil {
		return nil, err
	}
	if tree == nil || tree.Root == nil {
		return nil, schema.NewError(schema.ErrCodeNotFound, "activity instance tree must not be empty").
			WithDetails(map[string]any{"process_instance_id": processInstanceID})
	}
	return tree, nil
}

// reject logs the stage a request died in and returns err unchanged.
func (s *Service) reject(ctx context.Context, op string, stage Stage, err error) error {
	s.logger.WarnContext(ctx, op+" rejected",
		slog.String("stage", stage.String()),
		slog.String("final", Rejected.String()),
		slog.String("code", schema.CodeOf(err)),
		slog.String("error", err.Error()),
	)
	return err
}

func (s *Service) submitted(ctx context.Context, op string, plan modification.Plan, attrs ...any) {
	args := append([]any{
		slog.String("stage", Submitted.String()),
		slog.String("cancel_instance_id", plan.CancelInstanceID),
		slog.String("resume_activity_id", plan.ResumeActivityID),
	}, attrs...)
	s.logger.InfoContext(ctx, op+" submitted", args...)
}
