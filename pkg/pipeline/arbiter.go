package pipeline

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/efm-runtime/efm/pkg/errkind"
	"github.com/efm-runtime/efm/pkg/judicial"
)

// ConstitutionalPredicate is one named, compiled CEL expression that must
// evaluate true for a request to pass the Arbiter, following the
// CELDPEvaluator pattern: a fixed variable declaration set, a cost
// limit, and boolean-only results, generalized from "kernel-critical
// CEL-DP compliance" to "constitutional predicate over a capsule
// action".
type ConstitutionalPredicate struct {
	Name    string
	program cel.Program
}

// arbiterCostLimit mirrors the CEL evaluator's MaxEvaluationCost default.
const arbiterCostLimit = 100000

// CompilePredicate compiles a boolean CEL expression against the
// Arbiter's fixed variable set: action (string), capsule (the requesting
// capsule's id, a string), context (map). No registry snapshot is bound.
// A predicate returning true means the action is permitted.
func CompilePredicate(name, expr string) (ConstitutionalPredicate, error) {
	env, err := cel.NewEnv(
		cel.Variable("action", cel.StringType),
		cel.Variable("capsule", cel.DynType),
		cel.Variable("context", cel.DynType),
	)
	if err != nil {
		return ConstitutionalPredicate{}, fmt.Errorf("pipeline: create CEL env: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues.Err() != nil {
		return ConstitutionalPredicate{}, fmt.Errorf("pipeline: compile predicate %q: %w", name, issues.Err())
	}

	prog, err := env.Program(ast, cel.CostLimit(arbiterCostLimit), cel.InterruptCheckFrequency(100))
	if err != nil {
		return ConstitutionalPredicate{}, fmt.Errorf("pipeline: build program for predicate %q: %w", name, err)
	}
	return ConstitutionalPredicate{Name: name, program: prog}, nil
}

// precedentConfidence is the minimum applicability a cited precedent must
// carry before its outcome alone can deny a request; below this, a
// contested or unsupported precedent is left for Deliberation to weigh.
const precedentConfidence = judicial.Applicable

// denyOutcome is the Precedent.Outcome value the Precedent Court records
// against a situation it has ruled against; only a citation both at
// precedentConfidence and carrying this outcome denies here.
const denyOutcome = "DENY"

// ArbiterStage evaluates every constitutional predicate against the
// request, then — if all predicates pass — checks whether the most
// similar recorded precedent denies the action with high confidence.
// The first predicate to return false, or a high-confidence DENY
// precedent, rejects the request.
type ArbiterStage struct {
	predicates []ConstitutionalPredicate
	precedents *judicial.PrecedentCourt
}

// NewArbiterStage builds an ArbiterStage from a set of compiled
// predicates, evaluated in order, plus the Precedent Court consulted for
// the request's tags. precedents may be nil, in which case only the
// constitutional predicates run.
func NewArbiterStage(predicates []ConstitutionalPredicate, precedents *judicial.PrecedentCourt) *ArbiterStage {
	return &ArbiterStage{predicates: predicates, precedents: precedents}
}

func (s *ArbiterStage) Name() StageName { return StageArbiter }

func (s *ArbiterStage) Evaluate(_ context.Context, req Request) (Verdict, error) {
	vars := map[string]any{
		"action":  req.Action,
		"capsule": req.CapsuleID,
		"context": req.Context,
	}
	for _, pred := range s.predicates {
		val, _, err := pred.program.Eval(vars)
		if err != nil {
			return Verdict{}, errkind.Wrap("pipeline.Arbiter", errkind.Rejected, err)
		}
		ok, isBool := val.Value().(bool)
		if !isBool || !ok {
			return Verdict{Approved: false, Reason: "constitutional predicate " + pred.Name + " denied the action"}, nil
		}
	}

	if s.precedents != nil && len(req.Tags) > 0 {
		if citation, ok := s.precedents.Apply(req.Tags); ok {
			if citation.Applicability == precedentConfidence && citation.Precedent.Outcome == denyOutcome {
				return Verdict{Approved: false, Reason: "high-confidence precedent " + citation.Precedent.ID + " denies the action"}, nil
			}
		}
	}

	return Verdict{Approved: true}, nil
}

// commandment names one of the Five Commandments and the CEL guard that
// fails a request when the corresponding context flag has been raised
// upstream (by Reflex/Intuition heuristics, a capsule's own report, or an
// operator annotation).
type commandment struct {
	name string
	expr string
}

// fiveCommandments is the reference constitutional predicate set: Do No
// Harm, Preserve Lineage, Maintain Health, Accept Care, and Serve
// Purpose. Each predicate defaults to permitting the action; it denies
// only when the request's context explicitly raises the matching flag.
var fiveCommandments = []commandment{
	{"C1_do_no_harm", "!has(context.harm_flag) || context.harm_flag == false"},
	{"C2_preserve_lineage", "!has(context.lineage_corrupted) || context.lineage_corrupted == false"},
	{"C3_maintain_health", "!has(context.integrity_breach) || context.integrity_breach == false"},
	{"C4_accept_care", "!has(context.rejects_care) || context.rejects_care == false"},
	{"C5_serve_purpose", "!has(context.purpose_violation) || context.purpose_violation == false"},
}

// DefaultCommandments compiles the Five Commandments into the Arbiter's
// default constitutional predicate set, in C1-C5 priority order.
func DefaultCommandments() ([]ConstitutionalPredicate, error) {
	preds := make([]ConstitutionalPredicate, 0, len(fiveCommandments))
	for _, c := range fiveCommandments {
		pred, err := CompilePredicate(c.name, c.expr)
		if err != nil {
			return nil, err
		}
		preds = append(preds, pred)
	}
	return preds, nil
}
