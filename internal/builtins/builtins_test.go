package builtins

import (
	"bytes"
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
	"golang.org/x/sys/unix"

	"tsh/internal/console"
	"tsh/internal/executor"
	"tsh/internal/jobs"
)

type signalCall struct {
	pid int
	sig unix.Signal
}

type harness struct {
	b     *Builtins
	table *jobs.Table
	out   *lockedBuffer

	mu    sync.Mutex
	sent  []signalCall
	reply error
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (l *lockedBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.Write(p)
}

func (l *lockedBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.String()
}

func (l *lockedBuffer) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf.Reset()
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		table: jobs.NewTable(jobs.DefaultCapacity, zaptest.NewLogger(t)),
		out:   &lockedBuffer{},
	}
	con := console.New(h.out)
	exec := executor.New(executor.Options{
		Table:        h.table,
		Console:      con,
		Logger:       zaptest.NewLogger(t),
		PollInterval: 5 * time.Millisecond,
	})
	h.b = New(h.table, exec, con, zaptest.NewLogger(t))
	h.b.kill = func(pid int, sig unix.Signal) error {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.sent = append(h.sent, signalCall{pid, sig})
		return h.reply
	}
	return h
}

func (h *harness) add(t *testing.T, pid int, state jobs.State, cmdline string) {
	t.Helper()
	h.table.Block()
	defer h.table.Unblock()
	if err := h.table.Add(pid, state, cmdline); err != nil {
		t.Fatal(err)
	}
}

func (h *harness) state(pid int) jobs.State {
	h.table.Block()
	defer h.table.Unblock()
	if j := h.table.ByPID(pid); j != nil {
		return j.State
	}
	return jobs.Undefined
}

func (h *harness) signals() []signalCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]signalCall(nil), h.sent...)
}

func TestHandle_NotBuiltin(t *testing.T) {
	h := newHarness(t)
	if h.b.Handle(context.Background(), []string{"/bin/ls"}) {
		t.Error("external command reported as builtin")
	}
	if !h.b.Handle(context.Background(), []string{"&"}) {
		t.Error("a lone & should be swallowed")
	}
}

func TestQuit(t *testing.T) {
	h := newHarness(t)
	code := -1
	h.b.exit = func(c int) { code = c }

	h.b.Handle(context.Background(), []string{"quit"})
	if code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}
}

func TestJobs_Listing(t *testing.T) {
	h := newHarness(t)
	h.add(t, 4242, jobs.Background, "sleep 5 &\n")
	h.add(t, 4343, jobs.Stopped, "vi notes\n")
	h.add(t, 4444, jobs.Foreground, "cat")

	h.b.Handle(context.Background(), []string{"jobs"})

	want := "[1] (4242) Running sleep 5 &\n" +
		"[2] (4343) Stopped vi notes\n" +
		"[3] (4444) Foreground cat\n"
	if got := h.out.String(); got != want {
		t.Errorf("jobs output =\n%s\nwant\n%s", got, want)
	}
}

func TestJobs_YAML(t *testing.T) {
	h := newHarness(t)
	h.add(t, 4242, jobs.Background, "sleep 5 &\n")

	h.b.Handle(context.Background(), []string{"jobs", "-y"})

	got := h.out.String()
	for _, want := range []string{"jid: 1", "pid: 4242", "state: Running"} {
		if !strings.Contains(got, want) {
			t.Errorf("yaml output missing %q:\n%s", want, got)
		}
	}
}

func TestBadArguments(t *testing.T) {
	tests := []struct {
		tokens []string
		want   string
	}{
		{[]string{"fg"}, "fg command requires PID or %jobid argument\n"},
		{[]string{"bg"}, "bg command requires PID or %jobid argument\n"},
		{[]string{"kill"}, "kill command requires PID or %jobid argument\n"},
		{[]string{"kill", "abc"}, "kill: argument must be a PID or %jobid\n"},
		{[]string{"fg", "%x"}, "fg: argument must be a PID or %jobid\n"},
		{[]string{"bg", "%9"}, "%9: No such job\n"},
		{[]string{"fg", "99999"}, "(99999): No such process\n"},
		{[]string{"kill", "%2"}, "%2: No such job\n"},
	}

	for _, tt := range tests {
		t.Run(strings.Join(tt.tokens, " "), func(t *testing.T) {
			h := newHarness(t)
			h.add(t, 4242, jobs.Stopped, "sleep 5\n")

			h.b.Handle(context.Background(), tt.tokens)

			if got := h.out.String(); got != tt.want {
				t.Errorf("output = %q, want %q", got, tt.want)
			}
			if len(h.signals()) != 0 {
				t.Errorf("unexpected signals %v", h.signals())
			}
			if list := h.table.Snapshot(); len(list) != 1 || list[0].State != jobs.Stopped {
				t.Errorf("table changed: %+v", list)
			}
		})
	}
}

func TestBg_ResumesStoppedJob(t *testing.T) {
	h := newHarness(t)
	h.add(t, 4242, jobs.Stopped, "sleep 5\n")

	h.b.Handle(context.Background(), []string{"bg", "%1"})

	if got := h.state(4242); got != jobs.Background {
		t.Errorf("state = %v, want Running", got)
	}
	sent := h.signals()
	if len(sent) != 1 || sent[0] != (signalCall{-4242, unix.SIGCONT}) {
		t.Errorf("signals = %v, want SIGCONT to -4242", sent)
	}
	if got := h.out.String(); got != "[1] (4242) sleep 5\n" {
		t.Errorf("output = %q", got)
	}
}

func TestBg_RunningJobNotSignalled(t *testing.T) {
	h := newHarness(t)
	h.add(t, 4242, jobs.Background, "sleep 5 &\n")

	h.b.Handle(context.Background(), []string{"bg", "4242"})

	if len(h.signals()) != 0 {
		t.Errorf("running job should not be continued: %v", h.signals())
	}
	if got := h.state(4242); got != jobs.Background {
		t.Errorf("state = %v", got)
	}
}

func TestFg_WaitsUntilNoLongerForeground(t *testing.T) {
	h := newHarness(t)
	h.add(t, 4242, jobs.Stopped, "sleep 5\n")

	// stand in for the reaper seeing the job stop again
	go func() {
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			h.table.Block()
			if j := h.table.ByPID(4242); j != nil && j.State == jobs.Foreground {
				j.State = jobs.Stopped
				h.table.Unblock()
				return
			}
			h.table.Unblock()
			time.Sleep(5 * time.Millisecond)
		}
	}()

	done := make(chan struct{})
	go func() {
		h.b.Handle(context.Background(), []string{"fg", "%1"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("fg did not return after the job left the foreground")
	}

	sent := h.signals()
	if len(sent) != 1 || sent[0] != (signalCall{-4242, unix.SIGCONT}) {
		t.Errorf("signals = %v, want SIGCONT to -4242", sent)
	}
}

func TestFg_ContextCancelled(t *testing.T) {
	h := newHarness(t)
	h.add(t, 4242, jobs.Background, "sleep 5 &\n")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	h.b.Handle(ctx, []string{"fg", "4242"})

	if got := h.state(4242); got != jobs.Foreground {
		t.Errorf("state = %v, want Foreground", got)
	}
	if len(h.signals()) != 0 {
		t.Errorf("background job should not be continued: %v", h.signals())
	}
}

func TestFg_RefusedWhileForegroundBusy(t *testing.T) {
	h := newHarness(t)
	h.add(t, 4242, jobs.Foreground, "cat\n")
	h.add(t, 4343, jobs.Stopped, "vi\n")

	h.b.Handle(context.Background(), []string{"fg", "%2"})

	if got := h.out.String(); got != "Foreground process detected.\n" {
		t.Errorf("output = %q", got)
	}
	if got := h.state(4343); got != jobs.Stopped {
		t.Errorf("state = %v, want Stopped", got)
	}
	if len(h.signals()) != 0 {
		t.Errorf("refused fg should not continue the job: %v", h.signals())
	}
}

func TestKill_SignalsGroupAndLeavesTable(t *testing.T) {
	h := newHarness(t)
	h.add(t, 4242, jobs.Background, "sleep 5 &\n")

	h.b.Handle(context.Background(), []string{"kill", "%1"})

	sent := h.signals()
	if len(sent) != 1 || sent[0] != (signalCall{-4242, unix.SIGKILL}) {
		t.Errorf("signals = %v, want SIGKILL to -4242", sent)
	}
	if h.table.Snapshot()[0].PID != 4242 {
		t.Error("kill should leave removal to the reaper")
	}
	if got := h.out.String(); got != "" {
		t.Errorf("kill printed %q", got)
	}
}

func TestKill_AlreadyGone(t *testing.T) {
	h := newHarness(t)
	h.reply = unix.ESRCH
	h.add(t, 4242, jobs.Stopped, "sleep 5\n")

	h.b.Handle(context.Background(), []string{"kill", "4242"})

	if got := h.out.String(); got != "(4242): No such process\n" {
		t.Errorf("output = %q", got)
	}
}

func TestCdPwd(t *testing.T) {
	h := newHarness(t)
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })

	dir := t.TempDir()
	h.b.Handle(context.Background(), []string{"cd", dir})
	h.out.Reset()
	h.b.Handle(context.Background(), []string{"pwd"})

	got, _ := os.Getwd()
	if h.out.String() != got+"\n" {
		t.Errorf("pwd printed %q, want %q", h.out.String(), got+"\n")
	}

	h.out.Reset()
	h.b.Handle(context.Background(), []string{"cd"})
	if h.out.String() != "cd: missing argument\n" {
		t.Errorf("cd without argument printed %q", h.out.String())
	}
}
