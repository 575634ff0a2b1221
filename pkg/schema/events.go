package schema

import "time"

// EventKind names an entry in the turn event stream.
type EventKind string

// Event kinds emitted by the orchestrator. The stream is the only observable
// surface of a turn.
const (
	EventPlan                EventKind = "plan"
	EventStepStarted         EventKind = "step_started"
	EventStepCompleted       EventKind = "step_completed"
	EventClarificationNeeded EventKind = "clarification_needed"
	EventCorrection          EventKind = "correction"
	EventReplan              EventKind = "replan"
	EventNote                EventKind = "note"
	EventInterrupt           EventKind = "interrupt"
	EventResult              EventKind = "result"
	EventError               EventKind = "error"
)

// Event is a single entry of a turn's event stream.
type Event struct {
	ThreadID  string    `json:"thread_id"`
	TurnID    string    `json:"turn_id,omitempty"`
	Kind      EventKind `json:"event_kind"`
	Step      StepKind  `json:"step,omitempty"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// StepKind enumerates the units of work a plan may contain.
type StepKind string

const (
	StepClarifyIntent StepKind = "clarify_intent"
	StepSelectTables  StepKind = "select_tables"
	StepGenerateDSL   StepKind = "generate_dsl"
	StepCompileSQL    StepKind = "compile_sql"
	StepExecuteSQL    StepKind = "execute_sql"
	StepCorrectSQL    StepKind = "correct_sql"
	StepAnalyze       StepKind = "analyze"
	StepVisualize     StepKind = "visualize"
	StepTableQA       StepKind = "table_qa"
)

// AllStepKinds lists every step kind in canonical order.
var AllStepKinds = []StepKind{
	StepClarifyIntent,
	StepSelectTables,
	StepGenerateDSL,
	StepCompileSQL,
	StepExecuteSQL,
	StepCorrectSQL,
	StepAnalyze,
	StepVisualize,
	StepTableQA,
}

// Valid reports whether k is a known step kind.
func (k StepKind) Valid() bool {
	for _, known := range AllStepKinds {
		if k == known {
			return true
		}
	}
	return false
}

// StepStatus represents the lifecycle state of a plan step.
type StepStatus string

const (
	StepStatusWait      StepStatus = "wait"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusSkipped   StepStatus = "skipped"
)

// Phase is the orchestrator state for a thread.
type Phase string

const (
	PhasePlanning    Phase = "planning"
	PhaseDispatching Phase = "dispatching"
	PhaseStepRunning Phase = "step_running"
	PhaseCorrecting  Phase = "correcting"
	PhaseReplanning  Phase = "replanning"
	PhaseInterrupted Phase = "interrupted"
	PhaseFinished    Phase = "finished"
)

// Command is the control command accompanying a turn.
type Command string

const (
	CommandStart   Command = "start"
	CommandApprove Command = "approve"
	CommandEdit    Command = "edit"
)

// Dialect names a SQL target dialect.
type Dialect string

const (
	DialectPostgres Dialect = "postgresql"
	DialectMySQL    Dialect = "mysql"
)
