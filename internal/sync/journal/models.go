package journal

type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Run is one synchronization attempt
type Run struct {
	ID         string    `json:"id"`
	StartedAt  int64     `json:"startedAt"`
	FinishedAt int64     `json:"finishedAt,omitempty"`
	DryRun     bool      `json:"dryRun"`
	Status     RunStatus `json:"status"`
	Total      int       `json:"total"`
	Done       int       `json:"done"`
	Failed     int       `json:"failed"`
	LastError  string    `json:"lastError,omitempty"`
}

// RunOp is the outcome of one operation of a run
type RunOp struct {
	RunID string `json:"runId"`
	Seq   int    `json:"seq"`
	Kind  string `json:"kind"`
	Rel   string `json:"rel"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}
