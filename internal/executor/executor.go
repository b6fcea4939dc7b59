package executor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"tsh/internal/console"
	"tsh/internal/jobs"
	"tsh/internal/parser"
)

// DefaultPollInterval is how often WaitForeground looks at the job table.
const DefaultPollInterval = 20 * time.Millisecond

var (
	ErrCommandNotFound = errors.New("command not found")
	ErrEmptyCommand    = errors.New("empty command")
)

// FatalFunc reports an unrecoverable failure. The default prints the
// message and exits the process.
type FatalFunc func(msg string, err error)

type Options struct {
	Table   *jobs.Table
	Console *console.Console
	Logger  *zap.Logger

	// Stdin, Stdout and Stderr are inherited by children that have no
	// redirection. They default to the shell's own descriptors.
	Stdin  *os.File
	Stdout *os.File
	Stderr *os.File

	PollInterval time.Duration
	Fatal        FatalFunc
}

// Executor starts command lines as jobs, one process group per job.
type Executor struct {
	table  *jobs.Table
	con    *console.Console
	log    *zap.Logger
	stdin  *os.File
	stdout *os.File
	stderr *os.File
	poll   time.Duration
	fatal  FatalFunc
}

func New(opts Options) *Executor {
	e := &Executor{
		table:  opts.Table,
		con:    opts.Console,
		log:    opts.Logger,
		stdin:  opts.Stdin,
		stdout: opts.Stdout,
		stderr: opts.Stderr,
		poll:   opts.PollInterval,
		fatal:  opts.Fatal,
	}
	if e.log == nil {
		e.log = zap.NewNop()
	}
	if e.stdin == nil {
		e.stdin = os.Stdin
	}
	if e.stdout == nil {
		e.stdout = os.Stdout
	}
	if e.stderr == nil {
		e.stderr = os.Stderr
	}
	if e.con == nil {
		e.con = console.New(e.stdout)
	}
	if e.poll <= 0 {
		e.poll = DefaultPollInterval
	}
	if e.fatal == nil {
		e.fatal = func(msg string, err error) {
			e.con.Printf("%s: %v\n", msg, err)
			os.Exit(1)
		}
	}
	return e
}

// redirects holds the descriptors the shell opened for one command line.
type redirects struct {
	in, out    *os.File
	pipeR      *os.File
	pipeW      *os.File
	background *os.File
}

func (r *redirects) close() {
	for _, f := range []**os.File{&r.in, &r.out, &r.pipeR, &r.pipeW, &r.background} {
		if *f != nil {
			_ = (*f).Close()
			*f = nil
		}
	}
}

// Launch runs the command line in args as a new job. Redirection problems
// are reported and skipped; the command is still started. Foreground jobs
// are waited for before Launch returns.
func (e *Executor) Launch(ctx context.Context, args []string, background bool, cmdline string) error {
	p, errs := parser.SplitPipeline(args)
	for _, err := range errs {
		e.con.Printf("%v\n", err)
	}
	if len(p.First) == 0 {
		return ErrEmptyCommand
	}

	r := e.openRedirects(p, background)
	defer r.close()

	// SIGCHLD handling waits on this block, so nothing started below can be
	// reaped before it is in the table.
	e.table.Block()
	if e.table.Full() {
		e.table.Unblock()
		e.con.Printf("Tried to create too many jobs\n")
		return jobs.ErrTableFull
	}

	stdin := e.stdin
	switch {
	case r.in != nil:
		stdin = r.in
	case r.background != nil:
		stdin = r.background
	}
	stdout := e.stdout
	switch {
	case r.pipeW != nil:
		stdout = r.pipeW
	case r.out != nil:
		stdout = r.out
	}

	pid, err := e.start(p.First, 0, stdin, stdout)
	if err != nil {
		e.table.Unblock()
		return err
	}

	if p.Piped() {
		stdout = e.stdout
		if r.out != nil {
			stdout = r.out
		}
		pid2, err := e.start(p.Second, pid, r.pipeR, stdout)
		if err != nil {
			e.log.Debug("second stage failed to start", zap.Int("pgid", pid), zap.Error(err))
		} else {
			e.log.Debug("joined process group", zap.Int("pid", pid2), zap.Int("pgid", pid))
		}
	}

	// the children hold their own copies
	r.close()

	state := jobs.Foreground
	if background {
		state = jobs.Background
	}
	if err := e.table.Add(pid, state, cmdline); err != nil {
		e.table.Unblock()
		e.con.Printf("%v\n", err)
		_ = unix.Kill(-pid, unix.SIGKILL)
		return err
	}
	jid := e.table.PID2JID(pid)
	e.table.Unblock()

	e.log.Debug("launched job",
		zap.Int("jid", jid),
		zap.Int("pid", pid),
		zap.Bool("background", background))

	if background {
		e.con.Printf("[%d] (%d) %s", jid, pid, cmdline)
		return nil
	}
	return e.WaitForeground(ctx, pid)
}

// openRedirects opens the files named by p. Failures are reported and the
// affected redirection is left out.
func (e *Executor) openRedirects(p *parser.Pipeline, background bool) *redirects {
	r := &redirects{}

	if p.Stdin != "" {
		f, err := os.Open(p.Stdin)
		if err != nil {
			e.con.Printf("Could not open file for reading: %v\n", err)
		} else {
			r.in = f
		}
	} else if background {
		// Background jobs should not read from the shell's input
		f, err := os.Open(os.DevNull)
		if err != nil {
			e.con.Printf("Could not open %s: %v\n", os.DevNull, err)
		} else {
			r.background = f
		}
	}

	if p.Stdout != "" {
		flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
		if p.Append {
			flags = os.O_WRONLY | os.O_CREATE | os.O_APPEND
		}
		f, err := os.OpenFile(p.Stdout, flags, 0666)
		if err != nil {
			e.con.Printf("Could not open file for writing: %v\n", err)
		} else {
			r.out = f
		}
	}

	if p.Piped() {
		pr, pw, err := os.Pipe()
		if err != nil {
			e.fatal("pipe", err)
			return r
		}
		r.pipeR, r.pipeW = pr, pw
	}

	return r
}

// start creates one pipeline stage. pgid 0 starts a new process group led by
// the child; any other value joins that group.
func (e *Executor) start(args []string, pgid int, stdin, stdout *os.File) (int, error) {
	cmd := exec.Command(args[0], args[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
		Pgid:    pgid,
	}
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	cmd.Stderr = e.stderr

	if err := cmd.Start(); err != nil {
		if notFound(err) {
			e.con.Printf("%s: Command not found\n", args[0])
			return 0, fmt.Errorf("%s: %w", args[0], ErrCommandNotFound)
		}
		e.fatal("fork", err)
		return 0, fmt.Errorf("start %s: %w", args[0], err)
	}

	pid := cmd.Process.Pid
	// The reaper collects the child with wait4; the handle is not needed.
	_ = cmd.Process.Release()
	return pid, nil
}

func notFound(err error) bool {
	return errors.Is(err, exec.ErrNotFound) ||
		errors.Is(err, fs.ErrNotExist) ||
		errors.Is(err, fs.ErrPermission) ||
		errors.Is(err, unix.ENOEXEC) ||
		errors.Is(err, unix.EISDIR)
}

// WaitForeground polls until pid is no longer the foreground job, either
// because it ended or because it was stopped.
func (e *Executor) WaitForeground(ctx context.Context, pid int) error {
	ticker := time.NewTicker(e.poll)
	defer ticker.Stop()

	for e.isForeground(pid) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func (e *Executor) isForeground(pid int) bool {
	e.table.Block()
	defer e.table.Unblock()
	j := e.table.ByPID(pid)
	return j != nil && j.State == jobs.Foreground
}
