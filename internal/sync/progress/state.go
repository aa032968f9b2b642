package progress

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/MozGangster/ydsync/internal/sync/diff"
	"github.com/asaskevich/EventBus"
)

// Phase names reported while a run is in flight
const (
	PhasePlanning  = "Planning"
	PhaseUpload    = "upload"
	PhaseDownload  = "download"
	PhaseConflict  = "conflict"
	PhaseDelete    = "delete"
	PhaseIndexing  = "Indexing"
	PhaseDone      = "Done"
	PhaseFailed    = "Error"
	PhaseCancelled = "Cancelled"
)

// Category groups operation kinds for reporting
type Category string

const (
	CategoryUpload   Category = "upload"
	CategoryDownload Category = "download"
	CategoryDelete   Category = "delete"
	CategoryConflict Category = "conflict"
)

// CategoryOf maps an operation kind to its reporting bucket
func CategoryOf(k diff.Kind) Category {
	switch k {
	case diff.KindUpload:
		return CategoryUpload
	case diff.KindDownload:
		return CategoryDownload
	case diff.KindConflict:
		return CategoryConflict
	}
	return CategoryDelete
}

// Outcome is the result of one executed operation
type Outcome struct {
	Kind diff.Kind
	Rel  string
	// To and From are the remote target and source, when relevant
	To   string
	From string
	Err  error
	At   time.Time
}

// OK reports whether the operation succeeded
func (o Outcome) OK() bool { return o.Err == nil }

// Line renders the outcome the way the summary lists it
func (o Outcome) Line() string {
	var b strings.Builder
	if o.OK() {
		b.WriteString("OK ")
	} else {
		b.WriteString("FAIL ")
	}
	b.WriteString(string(o.Kind))
	b.WriteString(" ")
	b.WriteString(o.Rel)
	if o.To != "" {
		b.WriteString(" -> " + o.To)
	}
	if o.From != "" {
		b.WriteString(" <- " + o.From)
	}
	if !o.OK() {
		b.WriteString(" : " + o.Err.Error())
	}
	return b.String()
}

// Counter tracks one category. Total is fixed by the plan; every finished
// operation moves from Queued to Done or Failed.
type Counter struct {
	Total  int `json:"total"`
	Done   int `json:"done"`
	Failed int `json:"failed"`
	Queued int `json:"queued"`
}

func (c Counter) String() string {
	if c.Failed > 0 {
		return fmt.Sprintf("%d/%d (%d failed)", c.Done, c.Total, c.Failed)
	}
	return fmt.Sprintf("%d/%d", c.Done, c.Total)
}

// Snapshot is a consistent copy of a RunState
type Snapshot struct {
	Phase      string               `json:"phase"`
	Cancelling bool                 `json:"cancelling"`
	DryRun     bool                 `json:"dryRun"`
	Total      int                  `json:"total"`
	Done       int                  `json:"done"`
	Failed     int                  `json:"failed"`
	Queued     int                  `json:"queued"`
	Counts     map[Category]Counter `json:"counts"`
	Running    []string             `json:"running,omitempty"`
	Recent     []Outcome            `json:"-"`
	StartedAt  time.Time            `json:"startedAt"`
	FinishedAt time.Time            `json:"finishedAt,omitempty"`
}

// Elapsed is measured up to the finish time, or now while running
func (s Snapshot) Elapsed(now time.Time) time.Duration {
	end := now
	if !s.FinishedAt.IsZero() {
		end = s.FinishedAt
	}
	return end.Sub(s.StartedAt)
}

// Summary renders the multi-line progress text. Recent operations are
// listed newest first.
func (s Snapshot) Summary(now time.Time) string {
	phase := "Phase: " + s.Phase
	if s.Cancelling {
		phase += " (cancelling...)"
	}

	up, down := s.Counts[CategoryUpload], s.Counts[CategoryDownload]
	del, conf := s.Counts[CategoryDelete], s.Counts[CategoryConflict]
	counts := []string{
		"Uploads: " + up.String(),
		"Downloads: " + down.String(),
		"Deletes: " + del.String(),
	}
	if conf.Total > 0 {
		counts = append(counts, "Conflicts: "+conf.String())
	}

	lines := []string{
		phase,
		fmt.Sprintf("Progress: %d/%d (failed %d, queued %d)", s.Done, s.Total, s.Failed, s.Queued),
	}
	if len(s.Running) > 0 {
		lines = append(lines, "Running: "+strings.Join(s.Running, ", "))
	}
	lines = append(lines,
		strings.Join(counts, "  "),
		fmt.Sprintf("Elapsed: %.1fs", s.Elapsed(now).Seconds()),
		"",
		"Recent ops:",
	)
	if len(s.Recent) == 0 {
		lines = append(lines, "(none)")
	}
	for _, o := range s.Recent {
		lines = append(lines, o.Line())
	}
	return strings.Join(lines, "\n")
}

// RunState is the live progress of one run. The executor writes it from its
// workers; observers call Snapshot or subscribe to the bus.
type RunState struct {
	mu         sync.Mutex
	phase      string
	cancelling bool
	dryRun     bool
	total      int
	done       int
	failed     int
	queued     int
	counts     map[Category]Counter
	running    map[string]diff.Kind
	recent     []Outcome
	limit      int
	startedAt  time.Time
	finishedAt time.Time

	bus EventBus.Bus
	now func() time.Time
}

// NewRunState starts a run in the planning phase. limit caps the number of
// recent outcomes kept; bus may be nil.
func NewRunState(dryRun bool, limit int, bus EventBus.Bus) *RunState {
	if limit < 1 {
		limit = 1
	}
	s := &RunState{
		phase:   PhasePlanning,
		dryRun:  dryRun,
		counts:  make(map[Category]Counter),
		running: make(map[string]diff.Kind),
		limit:   limit,
		bus:     bus,
		now:     time.Now,
	}
	s.startedAt = s.now()
	return s
}

// Begin announces the run to bus subscribers
func (s *RunState) Begin() {
	s.publish(EventRunStarted, s)
}

func (s *RunState) publish(topic string, args ...interface{}) {
	if s.bus != nil {
		s.bus.Publish(topic, args...)
	}
}

// SetPlan queues every operation of the plan
func (s *RunState) SetPlan(ops []diff.Operation) {
	counts := make(map[Category]Counter)
	for _, op := range ops {
		cat := CategoryOf(op.Kind())
		c := counts[cat]
		c.Total++
		c.Queued++
		counts[cat] = c
	}

	s.mu.Lock()
	s.total = len(ops)
	s.queued = len(ops)
	s.counts = counts
	s.mu.Unlock()
}

// SetPhase records the phase currently executing
func (s *RunState) SetPhase(phase string) {
	s.mu.Lock()
	changed := s.phase != phase
	s.phase = phase
	s.mu.Unlock()

	if changed {
		s.publish(EventPhaseChanged, phase)
	}
}

// Phase returns the current phase name
func (s *RunState) Phase() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Start marks op as in flight
func (s *RunState) Start(op diff.Operation) {
	s.mu.Lock()
	s.running[op.RelPath()] = op.Kind()
	s.mu.Unlock()

	s.publish(EventOpStarted, op)
}

// Record accounts for one finished operation
func (s *RunState) Record(o Outcome) {
	if o.At.IsZero() {
		o.At = s.now()
	}

	s.mu.Lock()
	if o.OK() {
		s.done++
	} else {
		s.failed++
	}
	if s.queued > 0 {
		s.queued--
	}
	cat := CategoryOf(o.Kind)
	c := s.counts[cat]
	if o.OK() {
		c.Done++
	} else {
		c.Failed++
	}
	if c.Queued > 0 {
		c.Queued--
	}
	s.counts[cat] = c
	delete(s.running, o.Rel)

	s.recent = append(s.recent, o)
	if over := len(s.recent) - s.limit; over > 0 {
		s.recent = append(s.recent[:0:0], s.recent[over:]...)
	}
	s.mu.Unlock()

	s.publish(EventOpFinished, o)
}

// Cancel asks workers to stop claiming new items. It returns false when
// cancellation was already requested.
func (s *RunState) Cancel() bool {
	s.mu.Lock()
	already := s.cancelling
	s.cancelling = true
	s.mu.Unlock()

	if !already {
		s.publish(EventCancelRequested)
	}
	return !already
}

// Cancelled reports whether cancellation was requested
func (s *RunState) Cancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelling
}

// Finish stamps the end time and sets the final phase
func (s *RunState) Finish(phase string) Snapshot {
	s.mu.Lock()
	s.phase = phase
	s.finishedAt = s.now()
	s.mu.Unlock()

	snap := s.Snapshot()
	s.publish(EventRunFinished, snap)
	return snap
}

// Failures returns the failed outcomes still in the recent buffer
func (s *RunState) Failures() []Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Outcome
	for _, o := range s.recent {
		if !o.OK() {
			out = append(out, o)
		}
	}
	return out
}

// Snapshot copies the current state. Recent is ordered newest first.
func (s *RunState) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[Category]Counter, len(s.counts))
	for k, v := range s.counts {
		counts[k] = v
	}
	running := make([]string, 0, len(s.running))
	for rel, kind := range s.running {
		running = append(running, string(kind)+" "+rel)
	}
	sort.Strings(running)
	recent := make([]Outcome, 0, len(s.recent))
	for i := len(s.recent) - 1; i >= 0; i-- {
		recent = append(recent, s.recent[i])
	}

	return Snapshot{
		Phase:      s.phase,
		Cancelling: s.cancelling,
		DryRun:     s.dryRun,
		Total:      s.total,
		Done:       s.done,
		Failed:     s.failed,
		Queued:     s.queued,
		Counts:     counts,
		Running:    running,
		Recent:     recent,
		StartedAt:  s.startedAt,
		FinishedAt: s.finishedAt,
	}
}

// Summary renders the current progress text
func (s *RunState) Summary() string {
	return s.Snapshot().Summary(s.now())
}
