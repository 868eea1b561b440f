package nca

import (
	"fmt"
	"strings"
)

type RuleKind uint8

const (
	// RuleReplace overwrites the writable bands with the clamped outputs.
	RuleReplace RuleKind = iota
	// RuleResidual adds the outputs to the previous values, then clamps.
	RuleResidual
	// RuleTwoPhase updates hidden channels from every input channel, then the
	// writable visible channels from the writable and hidden bands only.
	RuleTwoPhase
)

// Rule selects the update policy of a model. Accumulate only applies to
// RuleTwoPhase, where it picks residual (true) or replace combining for both
// half-steps.
type Rule struct {
	Kind       RuleKind
	Accumulate bool
}

var (
	Replace          = Rule{Kind: RuleReplace}
	Residual         = Rule{Kind: RuleResidual}
	TwoPhase         = Rule{Kind: RuleTwoPhase, Accumulate: true}
	TwoPhaseReplace  = Rule{Kind: RuleTwoPhase}
	DefaultRule      = TwoPhase
	ruleNamesOrdered = []string{"replace", "residual", "two_phase", "two_phase_replace"}
)

func ParseRule(name string) (Rule, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "replace":
		return Replace, nil
	case "residual":
		return Residual, nil
	case "", "two_phase":
		return TwoPhase, nil
	case "two_phase_replace":
		return TwoPhaseReplace, nil
	default:
		return Rule{}, fmt.Errorf("unsupported update rule %q (want one of %s)", name, strings.Join(ruleNamesOrdered, "|"))
	}
}

func (r Rule) String() string {
	switch r.Kind {
	case RuleReplace:
		return "replace"
	case RuleResidual:
		return "residual"
	case RuleTwoPhase:
		if r.Accumulate {
			return "two_phase"
		}
		return "two_phase_replace"
	default:
		return fmt.Sprintf("rule(%d)", r.Kind)
	}
}

// Phase is one synchronous sweep over the grid: model outputs [OutLo,OutHi)
// are computed from input channels [InLo,InHi) of every neighbor.
type Phase struct {
	OutLo      int
	OutHi      int
	InLo       int
	InHi       int
	Accumulate bool
}

func (p Phase) Outputs() int { return p.OutHi - p.OutLo }

// phases expands a rule into the half-steps of one full step.
func phases(rule Rule, visible, hidden int) ([]Phase, error) {
	inputs := 2*visible + hidden
	outputs := visible + hidden
	switch rule.Kind {
	case RuleReplace:
		return []Phase{{OutLo: 0, OutHi: outputs, InLo: 0, InHi: inputs}}, nil
	case RuleResidual:
		return []Phase{{OutLo: 0, OutHi: outputs, InLo: 0, InHi: inputs, Accumulate: true}}, nil
	case RuleTwoPhase:
		visiblePhase := Phase{OutLo: 0, OutHi: visible, InLo: visible, InHi: inputs, Accumulate: rule.Accumulate}
		if hidden == 0 {
			return []Phase{visiblePhase}, nil
		}
		return []Phase{
			{OutLo: visible, OutHi: outputs, InLo: 0, InHi: inputs, Accumulate: rule.Accumulate},
			visiblePhase,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported rule kind %d", rule.Kind)
	}
}
