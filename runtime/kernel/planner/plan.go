package planner

import "errors"

// StepStatus is a Step's lifecycle stage within a Plan.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepExecuting StepStatus = "executing"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// PlanStatus is a Plan's overall lifecycle stage.
type PlanStatus string

const (
	PlanPending      PlanStatus = "pending"
	PlanExecuting    PlanStatus = "executing"
	PlanWaitingInput PlanStatus = "waiting_input"
	PlanCompleted    PlanStatus = "completed"
	PlanFailed       PlanStatus = "failed"
)

// Step is one unit of work in a Plan: a tool invocation (or "none" for a
// synthetic final-answer step) with its arguments and dependencies.
type Step struct {
	ID          string
	Tool        string
	Description string
	Args        map[string]any
	DependsOn   []string

	Status StepStatus
	Result any
}

// PlanMetadata carries out-of-band signals the planner attaches to a
// Plan; the executor reports these verbatim rather than acting on them,
// per spec.md §4.L.
type PlanMetadata struct {
	Signals []string
}

// HasSignal reports whether any of keys is present among Signals.
func (m PlanMetadata) HasSignal(keys ...string) bool {
	for _, s := range m.Signals {
		for _, k := range keys {
			if s == k {
				return true
			}
		}
	}
	return false
}

// Plan is a planner-produced multi-step execution graph for the
// execute_plan action.
type Plan struct {
	ID               string
	Steps            []Step
	Status           PlanStatus
	CurrentStepIndex int
	Metadata         PlanMetadata
}

// Validate checks the Plan invariants: every step has a unique id, a
// valid tool reference (non-empty, "none" is allowed as the no-op
// final-answer sentinel), and the dependency graph is acyclic.
func (p *Plan) Validate() error {
	if len(p.Steps) == 0 {
		return errors.New("planner: plan requires at least one step")
	}
	ids := make(map[string]struct{}, len(p.Steps))
	for _, s := range p.Steps {
		if s.ID == "" {
			return errors.New("planner: every plan step needs a unique id")
		}
		if _, dup := ids[s.ID]; dup {
			return errors.New("planner: duplicate plan step id " + s.ID)
		}
		if s.Tool == "" {
			return errors.New("planner: plan step " + s.ID + " requires a tool reference (use \"none\" for no-op steps)")
		}
		ids[s.ID] = struct{}{}
	}
	for _, s := range p.Steps {
		for _, dep := range s.DependsOn {
			if _, ok := ids[dep]; !ok {
				return errors.New("planner: plan step " + s.ID + " depends on unknown step " + dep)
			}
		}
	}
	return planCycleCheck(p.Steps)
}

func planCycleCheck(steps []Step) error {
	byID := make(map[string][]string, len(steps))
	for _, s := range steps {
		byID[s.ID] = s.DependsOn
	}
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(steps))
	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case gray:
			return errors.New("planner: plan dependency graph has a cycle at " + id)
		case black:
			return nil
		}
		color[id] = gray
		for _, dep := range byID[id] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[id] = black
		return nil
	}
	for _, s := range steps {
		if err := visit(s.ID); err != nil {
			return err
		}
	}
	return nil
}

// ReadySteps returns the indices of pending steps whose dependencies
// have all completed.
func (p *Plan) ReadySteps() []int {
	completed := make(map[string]bool, len(p.Steps))
	for _, s := range p.Steps {
		if s.Status == StepCompleted {
			completed[s.ID] = true
		}
	}
	var ready []int
	for i, s := range p.Steps {
		if s.Status != StepPending {
			continue
		}
		allDone := true
		for _, dep := range s.DependsOn {
			if !completed[dep] {
				allDone = false
				break
			}
		}
		if allDone {
			ready = append(ready, i)
		}
	}
	return ready
}

// StepExecutionResult is the outcome of running one step, used both to
// report per-step results and to populate ReplanContext.PreservedSteps.
type StepExecutionResult struct {
	StepID  string
	Success bool
	Result  any
	Error   string
}
