package builtins

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"

	"tsh/internal/console"
	"tsh/internal/executor"
	"tsh/internal/jobs"
)

var (
	ErrMissingJobArg = errors.New("command requires PID or %jobid argument")
	ErrBadJobArg     = errors.New("argument must be a PID or %jobid")
)

// Builtins runs the commands the shell handles itself.
type Builtins struct {
	table *jobs.Table
	exec  *executor.Executor
	con   *console.Console
	log   *zap.Logger

	exit func(code int)
	kill func(pid int, sig unix.Signal) error
}

func New(table *jobs.Table, exec *executor.Executor, con *console.Console, log *zap.Logger) *Builtins {
	if log == nil {
		log = zap.NewNop()
	}
	return &Builtins{
		table: table,
		exec:  exec,
		con:   con,
		log:   log,
		exit:  os.Exit,
		kill:  unix.Kill,
	}
}

// Handle runs tokens if they name a builtin and reports whether they did.
func (b *Builtins) Handle(ctx context.Context, tokens []string) bool {
	if len(tokens) == 0 {
		return true
	}

	switch tokens[0] {
	case "quit":
		b.exit(0)
	case "&":
	case "jobs":
		b.jobs(tokens)
	case "fg", "bg":
		b.bgfg(ctx, tokens)
	case "kill":
		b.killJob(tokens)
	case "cd":
		b.cd(tokens)
	case "pwd":
		b.pwd()
	default:
		return false
	}
	return true
}

func (b *Builtins) cd(tokens []string) {
	if len(tokens) < 2 {
		b.con.Println("cd: missing argument")
		return
	}
	if err := os.Chdir(tokens[1]); err != nil {
		b.con.Println("cd:", err)
	}
}

func (b *Builtins) pwd() {
	dir, err := os.Getwd()
	if err != nil {
		b.con.Println("pwd:", err)
		return
	}
	b.con.Println(dir)
}

// jobs lists live jobs in slot order. With -y the list is printed as YAML.
func (b *Builtins) jobs(tokens []string) {
	list := b.table.Snapshot()

	if len(tokens) > 1 && tokens[1] == "-y" {
		out, err := yaml.Marshal(list)
		if err != nil {
			b.con.Println("jobs:", err)
			return
		}
		_, _ = b.con.Write(out)
		return
	}

	for _, j := range list {
		line := j.CmdLine
		if !strings.HasSuffix(line, "\n") {
			line += "\n"
		}
		b.con.Printf("[%d] (%d) %s %s", j.JID, j.PID, j.State, line)
	}
}

// resolve finds the job named by arg: a bare number is a pid, %N a job id.
// The caller must hold the table block.
func (b *Builtins) resolve(arg string) (*jobs.Job, error) {
	isJID := strings.HasPrefix(arg, "%")
	id, err := strconv.Atoi(strings.TrimPrefix(arg, "%"))
	if err != nil {
		return nil, ErrBadJobArg
	}

	if isJID {
		if j := b.table.ByJID(id); j != nil {
			return j, nil
		}
		return nil, fmt.Errorf("%s: %w", arg, jobs.ErrNoSuchJob)
	}
	if j := b.table.ByPID(id); j != nil {
		return j, nil
	}
	return nil, fmt.Errorf("(%d): %w", id, jobs.ErrNoSuchProcess)
}

// report prints a resolve failure the way the user expects to see it.
func (b *Builtins) report(cmd, arg string, err error) {
	switch {
	case errors.Is(err, ErrMissingJobArg):
		b.con.Printf("%s command requires PID or %%jobid argument\n", cmd)
	case errors.Is(err, ErrBadJobArg):
		b.con.Printf("%s: argument must be a PID or %%jobid\n", cmd)
	case errors.Is(err, jobs.ErrNoSuchJob):
		b.con.Printf("%s: No such job\n", arg)
	case errors.Is(err, jobs.ErrNoSuchProcess):
		id := strings.TrimPrefix(arg, "%")
		b.con.Printf("(%s): No such process\n", id)
	case errors.Is(err, jobs.ErrForegroundBusy):
		b.con.Printf("Foreground process detected.\n")
	default:
		b.con.Printf("%s: %v\n", cmd, err)
	}
}

// bgfg resumes a job in the background or brings it to the foreground.
func (b *Builtins) bgfg(ctx context.Context, tokens []string) {
	cmd := tokens[0]
	if len(tokens) < 2 || tokens[1] == "" {
		b.report(cmd, "", ErrMissingJobArg)
		return
	}
	arg := tokens[1]

	b.table.Block()
	j, err := b.resolve(arg)
	if err != nil {
		b.table.Unblock()
		b.report(cmd, arg, err)
		return
	}
	pid, jid, cmdline := j.PID, j.JID, j.CmdLine

	state := jobs.Background
	if cmd == "fg" {
		state = jobs.Foreground
	}
	// check before waking the group so a refused fg leaves it stopped
	if fg := b.table.ForegroundPID(); state == jobs.Foreground && fg != 0 && fg != pid {
		b.table.Unblock()
		b.report(cmd, arg, jobs.ErrForegroundBusy)
		return
	}
	if j.State == jobs.Stopped {
		if err := b.kill(-pid, unix.SIGCONT); err != nil {
			b.log.Warn("continue failed", zap.Int("pgid", pid), zap.Error(err))
		}
	}
	err = b.table.SetState(pid, state)
	b.table.Unblock()
	if err != nil {
		b.report(cmd, arg, err)
		return
	}

	b.log.Debug("job state changed", zap.Int("jid", jid), zap.Int("pid", pid), zap.Stringer("state", state))
	if state == jobs.Background {
		b.con.Printf("[%d] (%d) %s", jid, pid, cmdline)
		return
	}
	if err := b.exec.WaitForeground(ctx, pid); err != nil {
		b.log.Debug("foreground wait ended", zap.Int("pid", pid), zap.Error(err))
	}
}

// killJob sends SIGKILL to the job's process group. The reaper removes the
// entry once the group is gone.
func (b *Builtins) killJob(tokens []string) {
	cmd := tokens[0]
	if len(tokens) < 2 || tokens[1] == "" {
		b.report(cmd, "", ErrMissingJobArg)
		return
	}
	arg := tokens[1]

	b.table.Block()
	j, err := b.resolve(arg)
	var pid int
	if j != nil {
		pid = j.PID
	}
	b.table.Unblock()
	if err != nil {
		b.report(cmd, arg, err)
		return
	}

	if err := b.kill(-pid, unix.SIGKILL); err != nil {
		// the group died after the lookup and before the signal
		if errors.Is(err, unix.ESRCH) {
			b.con.Printf("(%d): No such process\n", pid)
			return
		}
		b.con.Printf("%s: %v\n", cmd, err)
		return
	}
	b.log.Debug("killed job", zap.Int("pgid", pid))
}
