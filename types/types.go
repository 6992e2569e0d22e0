package types

import (
	"math"
	"time"
)

type StepStatus string

const (
	StepPending         StepStatus = "pending"
	StepInProgress      StepStatus = "in_progress"
	StepNeedsCorrection StepStatus = "needs_correction"
	StepCompleted       StepStatus = "completed"
)

type TaskStatus string

const (
	TaskActive    TaskStatus = "active"
	TaskCompleted TaskStatus = "completed"
	TaskPaused    TaskStatus = "paused"
)

type ActionKind string

const (
	ActionConfirm  ActionKind = "confirm"
	ActionSelect   ActionKind = "select"
	ActionInput    ActionKind = "input"
	ActionDate     ActionKind = "date"
	ActionDateTime ActionKind = "datetime"
	ActionRetry    ActionKind = "retry"
)

// Hints sent alongside a user message that are not action kinds.
const (
	HintStarting   = "starting"
	HintCorrection = "correction"
)

type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// MaxMessageLength bounds the reply text, counted in runes.
const MaxMessageLength = 120

type Action struct {
	ID      string     `json:"id" jsonschema:"required,description=Unique action id within the reply"`
	Kind    ActionKind `json:"type" jsonschema:"required,enum=confirm,enum=select,enum=input,enum=date,enum=datetime,enum=retry"`
	Label   string     `json:"label" jsonschema:"required,description=Button or field label"`
	Value   string     `json:"value,omitempty"`
	Options []string   `json:"options,omitempty" jsonschema:"description=Choices, required when type is select"`
}

type Reply struct {
	Message            string   `json:"message" jsonschema:"required,maxLength=120,description=Concise response to the user"`
	Confidence         int      `json:"confidence" jsonschema:"required,minimum=0,maximum=100"`
	Actions            []Action `json:"actions" jsonschema:"required"`
	TaskProgress       *int     `json:"taskProgress,omitempty" jsonschema:"minimum=0,maximum=100,description=Progress of the current step"`
	RequiresCorrection *bool    `json:"requiresCorrection,omitempty"`
	ReadyToAdvance     *bool    `json:"readyToAdvance,omitempty"`
}

// Progress reports the task progress value and whether the oracle sent one.
func (r *Reply) Progress() (int, bool) {
	if r == nil || r.TaskProgress == nil {
		return 0, false
	}
	return *r.TaskProgress, true
}

func (r *Reply) NeedsCorrection() bool {
	return r != nil && r.RequiresCorrection != nil && *r.RequiresCorrection
}

// Action looks up an action by id.
func (r *Reply) Action(id string) (Action, bool) {
	if r == nil {
		return Action{}, false
	}
	for _, a := range r.Actions {
		if a.ID == id {
			return a, true
		}
	}
	return Action{}, false
}

func (r *Reply) Clone() *Reply {
	if r == nil {
		return nil
	}
	out := *r
	if r.Actions != nil {
		out.Actions = make([]Action, len(r.Actions))
		for i, a := range r.Actions {
			out.Actions[i] = a
			if a.Options != nil {
				out.Actions[i].Options = append([]string(nil), a.Options...)
			}
		}
	}
	if r.TaskProgress != nil {
		out.TaskProgress = Int(*r.TaskProgress)
	}
	if r.RequiresCorrection != nil {
		out.RequiresCorrection = Bool(*r.RequiresCorrection)
	}
	if r.ReadyToAdvance != nil {
		out.ReadyToAdvance = Bool(*r.ReadyToAdvance)
	}
	return &out
}

type Step struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	Status      StepStatus `json:"status"`
	Reply       *Reply     `json:"agentResponse,omitempty"`
	Corrections []string   `json:"correctionHistory,omitempty"`
}

type Task struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Steps       []Step     `json:"steps"`
	CurrentStep int        `json:"currentStepIndex"`
	CreatedAt   time.Time  `json:"createdAt"`
	DueDate     *time.Time `json:"dueDate,omitempty"`
	Status      TaskStatus `json:"status"`
}

// Current returns the step under the pointer.
func (t *Task) Current() *Step {
	if t == nil || t.CurrentStep < 0 || t.CurrentStep >= len(t.Steps) {
		return nil
	}
	return &t.Steps[t.CurrentStep]
}

func (t *Task) IsLastStep() bool {
	return t != nil && t.CurrentStep == len(t.Steps)-1
}

func (t *Task) Descriptions() []string {
	out := make([]string, len(t.Steps))
	for i, s := range t.Steps {
		out[i] = s.Description
	}
	return out
}

func (t *Task) CompletedCount() int {
	n := 0
	for _, s := range t.Steps {
		if s.Status == StepCompleted {
			n++
		}
	}
	return n
}

// Percent is the share of completed steps, rounded to a whole percent.
func (t *Task) Percent() int {
	if t == nil || len(t.Steps) == 0 {
		return 0
	}
	return int(math.Round(float64(t.CompletedCount()) / float64(len(t.Steps)) * 100))
}

// CanInspect reports whether step i may be opened for correction. Pending
// steps have not been reached yet.
func (t *Task) CanInspect(i int) bool {
	if t == nil || i < 0 || i >= len(t.Steps) {
		return false
	}
	return t.Steps[i].Status != StepPending
}

// Clone returns a deep copy so transitions never alias a previous state.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	out := *t
	out.Steps = make([]Step, len(t.Steps))
	for i, s := range t.Steps {
		out.Steps[i] = s
		out.Steps[i].Reply = s.Reply.Clone()
		if s.Corrections != nil {
			out.Steps[i].Corrections = append([]string(nil), s.Corrections...)
		}
	}
	if t.DueDate != nil {
		d := *t.DueDate
		out.DueDate = &d
	}
	return &out
}

type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Reply     *Reply    `json:"response,omitempty"`
}

type HistoryEntry struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// OracleRequest is the body sent to the response generator.
type OracleRequest struct {
	TaskTitle        string         `json:"taskTitle"`
	CurrentStep      string         `json:"currentStep"`
	StepIndex        int            `json:"stepIndex"`
	TotalSteps       int            `json:"totalSteps"`
	AllSteps         []string       `json:"allSteps"`
	UserMessage      string         `json:"userMessage"`
	ActionType       string         `json:"actionType,omitempty"`
	PreviousMessages []HistoryEntry `json:"previousMessages"`
}

func (r *OracleRequest) IsFinalStep() bool {
	return r.StepIndex+1 >= r.TotalSteps
}

type ConfidenceLevel string

const (
	ConfidenceHigh   ConfidenceLevel = "high"
	ConfidenceMedium ConfidenceLevel = "medium"
	ConfidenceLow    ConfidenceLevel = "low"
)

func LevelOf(confidence int) ConfidenceLevel {
	switch {
	case confidence >= 80:
		return ConfidenceHigh
	case confidence >= 50:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

func Int(v int) *int    { return &v }
func Bool(v bool) *bool { return &v }
