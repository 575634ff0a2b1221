package engine

import (
	"github.com/rendis/querypilot/internal/state"
	"github.com/rendis/querypilot/pkg/schema"
)

// Retry budgets.
const (
	// MaxCorrections bounds correction attempts for one statement.
	MaxCorrections = 3
	// MaxReplans bounds rewinds to DSL generation for one question.
	MaxReplans = 2
)

// Recovery names what the orchestrator does after a failed step.
type Recovery int

const (
	// RecoverFinish ends the turn with the error surfaced.
	RecoverFinish Recovery = iota
	// RecoverSkip turns the error into a note and skips the step.
	RecoverSkip
	// RecoverCorrect routes to CorrectSQL.
	RecoverCorrect
	// RecoverReplan rewinds the cursor to GenerateDSL.
	RecoverReplan
)

func (r Recovery) String() string {
	switch r {
	case RecoverFinish:
		return "finish"
	case RecoverSkip:
		return "skip"
	case RecoverCorrect:
		return "correct"
	case RecoverReplan:
		return "replan"
	default:
		return "unknown"
	}
}

// Decision is the outcome of HandleStepError.
type Decision struct {
	Recovery Recovery
	// RewindTo is the plan index to resume from on RecoverReplan.
	RewindTo int
}

// HandleStepError decides how to recover from the error s carries after
// step ran. Reporting steps degrade to notes unless the turn was cancelled.
// Otherwise security violations, outages and cancellation end the turn,
// execution failures get corrected while the inner budget lasts, and
// everything else rewinds to DSL generation while the outer budget lasts.
func HandleStepError(s *state.ConversationState, step schema.StepKind) Decision {
	err := s.Error
	if err == nil {
		return Decision{Recovery: RecoverFinish}
	}

	switch step {
	case schema.StepAnalyze, schema.StepVisualize, schema.StepTableQA:
		if err.Code == schema.ErrCodeCancelled {
			return Decision{Recovery: RecoverFinish}
		}
		return Decision{Recovery: RecoverSkip}
	}
	if err.IsTerminal() {
		return Decision{Recovery: RecoverFinish}
	}

	switch step {
	case schema.StepExecuteSQL, schema.StepCorrectSQL:
		if s.RetryCount < MaxCorrections {
			return Decision{Recovery: RecoverCorrect}
		}
	}

	if s.PlanRetryCount < MaxReplans {
		if idx := s.StepIndex(schema.StepGenerateDSL); idx >= 0 {
			return Decision{Recovery: RecoverReplan, RewindTo: idx}
		}
	}
	return Decision{Recovery: RecoverFinish}
}
