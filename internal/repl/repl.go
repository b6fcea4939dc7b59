package repl

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"

	"go.uber.org/zap"

	"tsh/internal/builtins"
	"tsh/internal/console"
	"tsh/internal/executor"
	"tsh/internal/parser"
	"tsh/internal/reaper"
)

type Options struct {
	In         io.Reader
	Console    *console.Console
	Prompt     string
	EmitPrompt bool
	Builtins   *builtins.Builtins
	Executor   *executor.Executor
	Reaper     *reaper.Reaper
	Logger     *zap.Logger
}

// Shell is the read-eval loop.
type Shell struct {
	in         *bufio.Reader
	con        *console.Console
	prompt     string
	emitPrompt bool
	builtins   *builtins.Builtins
	exec       *executor.Executor
	reaper     *reaper.Reaper
	log        *zap.Logger
}

func New(opts Options) *Shell {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Shell{
		in:         bufio.NewReader(opts.In),
		con:        opts.Console,
		prompt:     opts.Prompt,
		emitPrompt: opts.EmitPrompt,
		builtins:   opts.Builtins,
		exec:       opts.Executor,
		reaper:     opts.Reaper,
		log:        log,
	}
}

// Run reads and evaluates lines until end of input or until ctx is done.
// Signal handling runs alongside it for the whole session.
func (s *Shell) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if s.reaper != nil {
		go s.reaper.Run(ctx)
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if s.emitPrompt {
			s.con.Printf("%s", s.prompt)
		}

		line, err := s.in.ReadString('\n')
		if line != "" {
			s.Eval(ctx, line)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// Eval runs one command line.
func (s *Shell) Eval(ctx context.Context, line string) {
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}

	args, background := parser.Parse(line)
	if len(args) == 0 {
		return
	}

	if s.builtins.Handle(ctx, args) {
		return
	}

	if err := s.exec.Launch(ctx, args, background, line); err != nil {
		s.log.Debug("launch failed", zap.String("cmdline", strings.TrimSpace(line)), zap.Error(err))
	}
}
