// Package reaper collects child status changes and relays keyboard signals
// to the foreground job's process group.
//
// The shell never hands the terminal to its children: every job runs in its
// own process group, so Ctrl-C and Ctrl-Z reach only the shell, which
// forwards them with kill(-pgid, sig). Whatever happens to the group as a
// result is picked up later, when SIGCHLD arrives and Reap runs.
//
// All table access happens under jobs.Table.Block. The launcher holds that
// block from before it creates a process group until the job is registered,
// so Reap never sees a child whose entry does not exist yet.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"tsh/internal/console"
	"tsh/internal/jobs"
)

// FatalFunc reports an unrecoverable failure.
type FatalFunc func(msg string, err error)

// Reaper owns the shell's asynchronous signal handling.
type Reaper struct {
	table *jobs.Table
	con   *console.Console
	log   *zap.Logger
	fatal FatalFunc

	// exit is called for SIGQUIT. Tests replace it.
	exit func(code int)

	// wait4 and kill are indirections over the system calls.
	wait4 func(pid int, status *unix.WaitStatus, options int, rusage *unix.Rusage) (int, error)
	kill  func(pid int, sig unix.Signal) error
}

func New(table *jobs.Table, con *console.Console, log *zap.Logger, fatal FatalFunc) *Reaper {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Reaper{
		table: table,
		con:   con,
		log:   log,
		fatal: fatal,
		exit:  os.Exit,
		wait4: unix.Wait4,
		kill:  unix.Kill,
	}
	if r.fatal == nil {
		r.fatal = func(msg string, err error) {
			con.Printf("%s: %v\n", msg, err)
			os.Exit(1)
		}
	}
	return r
}

// Signals lists what Run subscribes to.
var Signals = []os.Signal{unix.SIGCHLD, unix.SIGINT, unix.SIGTSTP, unix.SIGQUIT}

// Run dispatches signals until ctx is done. Signals are handled one at a
// time, so handlers never interleave with each other.
func (r *Reaper) Run(ctx context.Context) {
	// SIGCHLD notifications coalesce; one Reap drains every pending child,
	// so a small buffer loses nothing.
	sigs := make(chan os.Signal, 8)
	signal.Notify(sigs, Signals...)
	defer signal.Stop(sigs)

	// Catch children that changed state before Notify took effect.
	r.Reap()

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigs:
			r.Handle(sig)
		}
	}
}

// Handle runs the handler for one signal.
func (r *Reaper) Handle(sig os.Signal) {
	s, ok := sig.(syscall.Signal)
	if !ok {
		return
	}
	switch s {
	case unix.SIGCHLD:
		r.Reap()
	case unix.SIGINT, unix.SIGTSTP:
		r.Relay(s)
	case unix.SIGQUIT:
		r.con.Printf("Terminating after receipt of SIGQUIT signal\n")
		r.exit(1)
	}
}

// Reap collects every child whose status changed, without blocking.
// Exited children are removed silently, killed ones are removed with a
// message, and stopped ones are marked Stopped.
func (r *Reaper) Reap() {
	r.table.Block()
	defer r.table.Unblock()

	for {
		var status unix.WaitStatus
		pid, err := r.wait4(-1, &status, unix.WNOHANG|unix.WUNTRACED, nil)
		if err != nil {
			if errors.Is(err, unix.ECHILD) {
				return
			}
			if errors.Is(err, unix.EINTR) {
				continue
			}
			r.fatal("waitpid error", err)
			return
		}
		if pid == 0 {
			return
		}
		r.update(pid, status)
	}
}

func (r *Reaper) update(pid int, status unix.WaitStatus) {
	jid := r.table.PID2JID(pid)
	if jid == 0 {
		// second pipeline stage, or a job rejected after it started
		r.log.Debug("reaped untracked child", zap.Int("pid", pid), zap.Stringer("status", waitStatus(status)))
		return
	}

	switch {
	case status.Exited():
		r.table.Remove(pid)
		r.log.Debug("job exited", zap.Int("jid", jid), zap.Int("pid", pid), zap.Int("code", status.ExitStatus()))
	case status.Signaled():
		r.con.Printf("Job [%d] (%d) terminated by signal %d\n", jid, pid, int(status.Signal()))
		r.table.Remove(pid)
	case status.Stopped():
		r.con.Printf("Job [%d] (%d) stopped by signal %d\n", jid, pid, int(status.StopSignal()))
		_ = r.table.SetState(pid, jobs.Stopped)
	}
}

// Relay forwards sig to every process in the foreground job's group. It
// does nothing when there is no foreground job.
func (r *Reaper) Relay(sig unix.Signal) {
	r.table.Block()
	pid := r.table.ForegroundPID()
	r.table.Unblock()

	if pid == 0 {
		return
	}
	r.log.Debug("relaying signal", zap.Int("pgid", pid), zap.Stringer("signal", sig))
	if err := r.kill(-pid, sig); err != nil {
		// the group can die between the lookup and the kill
		if errors.Is(err, unix.ESRCH) {
			return
		}
		r.fatal("kill", err)
	}
}

type waitStatus unix.WaitStatus

func (w waitStatus) String() string {
	s := unix.WaitStatus(w)
	switch {
	case s.Exited():
		return fmt.Sprintf("exited %d", s.ExitStatus())
	case s.Signaled():
		return fmt.Sprintf("signaled %v", s.Signal())
	case s.Stopped():
		return fmt.Sprintf("stopped %v", s.StopSignal())
	case s.Continued():
		return "continued"
	}
	return fmt.Sprintf("status %#x", uint32(s))
}
