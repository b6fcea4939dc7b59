package jobs

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// DefaultCapacity is the number of job slots when none is configured.
const DefaultCapacity = 16

var (
	ErrTableFull      = errors.New("tried to create too many jobs")
	ErrInvalidPID     = errors.New("invalid pid")
	ErrForegroundBusy = errors.New("foreground job already exists")
	ErrNoSuchProcess  = errors.New("no such process")
	ErrNoSuchJob      = errors.New("no such job")
)

type State int

const (
	Undefined State = iota
	Foreground
	Background
	Stopped
)

func (s State) String() string {
	switch s {
	case Foreground:
		return "Foreground"
	case Background:
		return "Running"
	case Stopped:
		return "Stopped"
	default:
		return fmt.Sprintf("Undefined(%d)", int(s))
	}
}

// Job is one slot of the table. PID doubles as the process group id.
type Job struct {
	PID     int
	JID     int
	State   State
	CmdLine string
}

// MarshalYAML renders the state by name.
func (j Job) MarshalYAML() (any, error) {
	return struct {
		JID     int    `yaml:"jid"`
		PID     int    `yaml:"pid"`
		State   string `yaml:"state"`
		CmdLine string `yaml:"cmdline"`
	}{j.JID, j.PID, j.State.String(), j.CmdLine}, nil
}

func (j *Job) clear() {
	*j = Job{}
}

// Table is a fixed-capacity job list.
//
// None of its lookup or mutation methods lock on their own. Callers bracket
// every access with Block and Unblock; the reaper takes the same block before
// it collects any child, so a process created under the block cannot be
// reaped before its entry exists.
type Table struct {
	mask    sync.Mutex
	slots   []Job
	nextJID int
	log     *zap.Logger
}

// NewTable returns an empty table with the given capacity.
func NewTable(capacity int, log *zap.Logger) *Table {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Table{
		slots:   make([]Job, capacity),
		nextJID: 1,
		log:     log,
	}
}

// Block holds off the reaper and every other table user.
func (t *Table) Block() { t.mask.Lock() }

// Unblock releases Block.
func (t *Table) Unblock() { t.mask.Unlock() }

// Cap returns the number of slots.
func (t *Table) Cap() int { return len(t.slots) }

// Full reports whether every slot is taken.
func (t *Table) Full() bool {
	for i := range t.slots {
		if t.slots[i].PID == 0 {
			return false
		}
	}
	return true
}

// Add registers pid in the first free slot and assigns it the next job id.
func (t *Table) Add(pid int, state State, cmdline string) error {
	if pid < 1 {
		return fmt.Errorf("add job %d: %w", pid, ErrInvalidPID)
	}
	if state == Foreground {
		if fg := t.ForegroundPID(); fg != 0 {
			return fmt.Errorf("add job %d (foreground is %d): %w", pid, fg, ErrForegroundBusy)
		}
	}

	for i := range t.slots {
		if t.slots[i].PID != 0 {
			continue
		}
		for t.ByJID(t.nextJID) != nil {
			t.advance()
		}
		t.slots[i] = Job{
			PID:     pid,
			JID:     t.nextJID,
			State:   state,
			CmdLine: cmdline,
		}
		t.advance()
		t.log.Debug("Added job",
			zap.Int("jid", t.slots[i].JID),
			zap.Int("pid", pid),
			zap.Stringer("state", state),
			zap.String("cmdline", cmdline))
		return nil
	}

	t.log.Warn("Tried to create too many jobs", zap.Int("pid", pid), zap.Int("capacity", len(t.slots)))
	return ErrTableFull
}

// Remove clears the entry for pid. It returns false when there is none.
func (t *Table) Remove(pid int) bool {
	if pid < 1 {
		return false
	}
	for i := range t.slots {
		if t.slots[i].PID != pid {
			continue
		}
		jid := t.slots[i].JID
		t.slots[i].clear()
		t.nextJID = t.maxJID() + 1
		t.log.Debug("Deleted job", zap.Int("jid", jid), zap.Int("pid", pid))
		return true
	}
	return false
}

// advance moves the job id counter on, wrapping to 1 past capacity.
func (t *Table) advance() {
	t.nextJID++
	if t.nextJID > len(t.slots) {
		t.nextJID = 1
	}
}

func (t *Table) maxJID() int {
	hi := 0
	for i := range t.slots {
		if t.slots[i].JID > hi {
			hi = t.slots[i].JID
		}
	}
	return hi
}

// ByPID returns the entry for pid, or nil.
func (t *Table) ByPID(pid int) *Job {
	if pid < 1 {
		return nil
	}
	for i := range t.slots {
		if t.slots[i].PID == pid {
			return &t.slots[i]
		}
	}
	return nil
}

// ByJID returns the entry with job id jid, or nil.
func (t *Table) ByJID(jid int) *Job {
	if jid < 1 {
		return nil
	}
	for i := range t.slots {
		if t.slots[i].PID != 0 && t.slots[i].JID == jid {
			return &t.slots[i]
		}
	}
	return nil
}

// PID2JID maps a process id to its job id, 0 if untracked.
func (t *Table) PID2JID(pid int) int {
	if j := t.ByPID(pid); j != nil {
		return j.JID
	}
	return 0
}

// ForegroundPID returns the foreground job's pid, or 0 if there is none.
func (t *Table) ForegroundPID() int {
	for i := range t.slots {
		if t.slots[i].PID != 0 && t.slots[i].State == Foreground {
			return t.slots[i].PID
		}
	}
	return 0
}

// SetState moves pid to state. Only one job may be in the foreground.
func (t *Table) SetState(pid int, state State) error {
	j := t.ByPID(pid)
	if j == nil {
		return fmt.Errorf("(%d): %w", pid, ErrNoSuchProcess)
	}
	if state == Foreground {
		if fg := t.ForegroundPID(); fg != 0 && fg != pid {
			return fmt.Errorf("job %d: %w", pid, ErrForegroundBusy)
		}
	}
	j.State = state
	return nil
}

// List copies the live entries in slot order.
func (t *Table) List() []Job {
	out := make([]Job, 0, len(t.slots))
	for _, j := range t.slots {
		if j.PID != 0 {
			out = append(out, j)
		}
	}
	return out
}

// Snapshot is List taken under the block.
func (t *Table) Snapshot() []Job {
	t.Block()
	defer t.Unblock()
	return t.List()
}
