// Package ladder decides whether a compiled package may move between
// environment stages. It is pure decision logic over the configured stages
// and the request; persistence of the decision belongs to the caller.
package ladder

import (
	"fmt"
	"sort"

	"stagegate/internal/apperr"
	"stagegate/internal/domain"
)

// Approval is evidence presented with a promotion request.
type Approval struct {
	Type     string
	Approver string
}

// Request asks to move a package from one stage to another.
type Request struct {
	FromStage  string
	ToStage    string
	Approval   *Approval
	UseCaseRef string
}

// Decision is the ladder's verdict on a request.
type Decision struct {
	Allowed   bool
	Demotion  bool
	FromOrder int
	ToOrder   int
}

// Ladder holds an organization's ordered stages.
type Ladder struct {
	OrgID  string
	Stages []domain.LadderStage
}

// New validates stage configuration and returns a Ladder with stages sorted
// by order index. Order indices and names must be unique.
func New(orgID string, stages []domain.LadderStage) (*Ladder, error) {
	if len(stages) == 0 {
		return nil, apperr.NotFoundError{Kind: "promotion ladder", ID: orgID}
	}
	sorted := append([]domain.LadderStage{}, stages...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].OrderIndex < sorted[j].OrderIndex })
	names := map[string]bool{}
	orders := map[int]bool{}
	for _, s := range sorted {
		if s.Name == "" {
			return nil, apperr.ValidationError{Field: "stages", Message: "stage name required"}
		}
		if names[s.Name] {
			return nil, apperr.ValidationError{Field: "stages", Message: fmt.Sprintf("duplicate stage name %s", s.Name)}
		}
		if orders[s.OrderIndex] {
			return nil, apperr.ValidationError{Field: "stages", Message: fmt.Sprintf("duplicate order index %d", s.OrderIndex)}
		}
		if s.RequiresApproval && s.ApprovalType == "" {
			return nil, apperr.ValidationError{Field: "stages", Message: fmt.Sprintf("stage %s requires approval but has no approval type", s.Name)}
		}
		names[s.Name] = true
		orders[s.OrderIndex] = true
	}
	return &Ladder{OrgID: orgID, Stages: sorted}, nil
}

// First returns the entry stage. Entry to the first stage needs no approval.
func (l *Ladder) First() domain.LadderStage {
	return l.Stages[0]
}

// Stage looks up a stage by name.
func (l *Ladder) Stage(name string) (domain.LadderStage, error) {
	for _, s := range l.Stages {
		if s.Name == name {
			return s, nil
		}
	}
	return domain.LadderStage{}, apperr.NotFoundError{Kind: "ladder stage", ID: name}
}

// Validate decides a transition request. Promotion may only advance one order
// at a time; demotion to any lower stage is always permitted but reported so
// callers log it as a distinct event.
func (l *Ladder) Validate(req Request) (Decision, error) {
	from, err := l.Stage(req.FromStage)
	if err != nil {
		return Decision{}, err
	}
	to, err := l.Stage(req.ToStage)
	if err != nil {
		return Decision{}, err
	}
	d := Decision{FromOrder: from.OrderIndex, ToOrder: to.OrderIndex}

	if to.OrderIndex == from.OrderIndex {
		return d, apperr.PolicyViolation{
			Stage:     to.Name,
			Condition: "distinct_stage",
			Message:   "source and target stage are the same",
		}
	}
	if to.OrderIndex < from.OrderIndex {
		// Rolling back is never blocked by policy.
		d.Allowed = true
		d.Demotion = true
		return d, nil
	}
	if next := l.nextOrder(from.OrderIndex); to.OrderIndex != next {
		return d, apperr.PolicyViolation{
			Stage:     to.Name,
			Condition: "no_stage_skipping",
			Message:   fmt.Sprintf("cannot skip from %s (order %d) to %s (order %d)", from.Name, from.OrderIndex, to.Name, to.OrderIndex),
		}
	}
	if to.RequiresApproval {
		if req.Approval == nil {
			return d, apperr.PolicyViolation{
				Stage:     to.Name,
				Condition: "approval_required",
				Message:   fmt.Sprintf("stage %s requires %s approval", to.Name, to.ApprovalType),
			}
		}
		if req.Approval.Type != to.ApprovalType {
			return d, apperr.PolicyViolation{
				Stage:     to.Name,
				Condition: "approval_type_mismatch",
				Message:   fmt.Sprintf("stage %s requires approval type %s, got %s", to.Name, to.ApprovalType, req.Approval.Type),
			}
		}
	}
	if to.UseCaseRefRequired && req.UseCaseRef == "" {
		return d, apperr.PolicyViolation{
			Stage:     to.Name,
			Condition: "use_case_ref_required",
			Message:   fmt.Sprintf("stage %s requires a linked use-case reference", to.Name),
		}
	}
	d.Allowed = true
	return d, nil
}

// nextOrder returns the order index of the stage directly above the given
// one. Indices need not be contiguous.
func (l *Ladder) nextOrder(after int) int {
	for _, s := range l.Stages {
		if s.OrderIndex > after {
			return s.OrderIndex
		}
	}
	return -1
}
