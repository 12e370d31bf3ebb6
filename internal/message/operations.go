// Package message turns the AI CLI event stream into thread posts. A
// stateless transformer maps each event to a sequence of operations; stateful
// executors (content, task list, subagent, system) apply them against the
// platform. All executor state belongs to one session and is touched only
// from that session's dispatcher goroutine.
package message

// Operation is one high-level instruction produced by the transformer.
type Operation interface {
	isOperation()
}

// AppendContent buffers text for the streaming content post.
type AppendContent struct {
	Text string
}

// Flush pushes buffered content to the platform.
type Flush struct{}

// TaskListOp replaces the session's task list.
type TaskListOp struct {
	Tasks []Task
}

// Task is one row of a TodoWrite task list.
type Task struct {
	Content    string
	Status     string // pending, in_progress, completed
	ActiveForm string
}

// QuestionOp starts a multi-choice question set.
type QuestionOp struct {
	ToolUseID string
	Questions []Question
}

// Question is one prompt of a question set.
type Question struct {
	Header  string
	Prompt  string
	Options []string
	// MultiSelect allows choosing several options before advancing.
	MultiSelect bool
}

// ApprovalOp requests a user decision before the AI continues.
type ApprovalOp struct {
	ToolUseID string
	Kind      string // permission, plan
	// Tool is the tool being approved; allow-rule decisions key off it.
	Tool string
	Text string
}

// SystemMessageOp posts an out-of-band notice.
type SystemMessageOp struct {
	Level string // info, warn, error
	Text  string
}

// Subagent phases.
const (
	SubagentStart  = "start"
	SubagentStream = "stream"
	SubagentDone   = "done"
)

// SubagentOp routes nested Task-tool stream output to its own post.
type SubagentOp struct {
	ToolUseID string
	Phase     string
	Text      string
}

// StatusUpdateOp carries model and usage accounting from system/result events.
type StatusUpdateOp struct {
	SessionUUID  string
	Model        string
	TotalCostUSD float64
	InputTokens  int64
	OutputTokens int64
}

// Lifecycle kinds.
const (
	LifecycleResult = "result"
	LifecycleError  = "error"
)

// LifecycleOp marks the end of an AI turn.
type LifecycleOp struct {
	Kind       string
	Text       string
	DurationMS int64
	NumTurns   int
}

func (AppendContent) isOperation()   {}
func (Flush) isOperation()           {}
func (TaskListOp) isOperation()      {}
func (QuestionOp) isOperation()      {}
func (ApprovalOp) isOperation()      {}
func (SystemMessageOp) isOperation() {}
func (SubagentOp) isOperation()      {}
func (StatusUpdateOp) isOperation()  {}
func (LifecycleOp) isOperation()     {}
