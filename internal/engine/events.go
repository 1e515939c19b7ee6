package engine

// Event is the sum type engines emit while a run executes.
type Event interface{ isEvent() }

// Started announces that the engine accepted the job and began work.
type Started struct {
	Engine string
	Resume *ResumeToken
	Title  string
	Meta   map[string]string
}

// Delta carries one increment of assistant text. Seq starts at 1 and is
// strictly increasing within a run; consumers drop non-increasing values.
type Delta struct {
	Seq  uint64
	Text string
}

// Action reports a tool invocation's lifecycle.
type Action struct {
	ID      string
	Kind    ActionKind
	Title   string
	Detail  string
	Phase   ActionPhase
	OK      bool
	Message string
}

// Completed is the terminal event of every run.
type Completed struct {
	OK        bool
	Answer    string
	ErrorText string
	Usage     Usage
	Resume    *ResumeToken
}

func (Started) isEvent()   {}
func (Delta) isEvent()     {}
func (Action) isEvent()    {}
func (Completed) isEvent() {}

// ActionKind categorizes what a tool action did.
type ActionKind string

const (
	ActionTool       ActionKind = "tool"
	ActionCommand    ActionKind = "command"
	ActionFileChange ActionKind = "file_change"
	ActionWebSearch  ActionKind = "web_search"
	ActionSubagent   ActionKind = "subagent"
)

// ActionPhase is where an action is in its lifecycle.
type ActionPhase string

const (
	PhaseStarted   ActionPhase = "started"
	PhaseUpdated   ActionPhase = "updated"
	PhaseCompleted ActionPhase = "completed"
)

// Usage holds the token counters an engine reports at completion.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
	ContextUsed  int64
	ContextLimit int64
}

// Ratio returns context usage as a fraction of the limit, 0 when unknown.
func (u Usage) Ratio() float64 {
	if u.ContextLimit <= 0 {
		return 0
	}
	return float64(u.ContextUsed) / float64(u.ContextLimit)
}
