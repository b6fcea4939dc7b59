// Package main is the entry point for tsh, a tiny shell with job control.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"

	"tsh/internal/builtins"
	"tsh/internal/config"
	"tsh/internal/console"
	"tsh/internal/executor"
	"tsh/internal/jobs"
	"tsh/internal/reaper"
	"tsh/internal/repl"
)

type options struct {
	configPath string
	verbose    bool
	noPrompt   bool
	help       bool
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "Usage: tsh [-hvp] [-c config]")
	fmt.Fprintln(w, "   -h   print this message")
	fmt.Fprintln(w, "   -v   print additional diagnostic information")
	fmt.Fprintln(w, "   -p   do not emit a command prompt")
	fmt.Fprintln(w, "   -c   read settings from a .toml or .yaml file")
}

func parseFlags(args []string, stdout io.Writer) (options, error) {
	var opts options
	fs := flag.NewFlagSet("tsh", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&opts.configPath, "c", "", "path to configuration file")
	fs.BoolVar(&opts.verbose, "v", false, "print additional diagnostic information")
	fs.BoolVar(&opts.noPrompt, "p", false, "do not emit a command prompt")
	fs.BoolVar(&opts.help, "h", false, "print this message")
	if err := fs.Parse(args); err != nil {
		usage(stdout)
		return opts, err
	}
	return opts, nil
}

func newLogger(verbose bool, w io.Writer) *zap.Logger {
	level := zapcore.WarnLevel
	if verbose {
		level = zapcore.DebugLevel
	}
	enc := zap.NewDevelopmentEncoderConfig()
	enc.TimeKey = ""
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.AddSync(w), level)
	return zap.New(core)
}

func run(args []string, stdin, stdout, stderr *os.File) int {
	opts, err := parseFlags(args, stdout)
	if err != nil {
		return 1
	}
	if opts.help {
		usage(stdout)
		return 1
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if opts.verbose {
		cfg.Verbose = true
	}
	if opts.noPrompt || !term.IsTerminal(int(stdin.Fd())) {
		cfg.EmitPrompt = false
	}

	log := newLogger(cfg.Verbose, stderr)
	defer func() { _ = log.Sync() }()

	con := console.New(stdout)
	fatal := func(msg string, err error) {
		con.Printf("%s: %v\n", msg, err)
		os.Exit(1)
	}

	table := jobs.NewTable(cfg.MaxJobs, log.Named("jobs"))
	exec := executor.New(executor.Options{
		Table:        table,
		Console:      con,
		Logger:       log.Named("exec"),
		Stdin:        stdin,
		Stdout:       stdout,
		Stderr:       stderr,
		PollInterval: cfg.PollInterval,
		Fatal:        fatal,
	})
	shell := repl.New(repl.Options{
		In:         stdin,
		Console:    con,
		Prompt:     cfg.Prompt,
		EmitPrompt: cfg.EmitPrompt,
		Builtins:   builtins.New(table, exec, con, log.Named("builtins")),
		Executor:   exec,
		Reaper:     reaper.New(table, con, log.Named("reaper"), fatal),
		Logger:     log,
	})

	if err := shell.Run(context.Background()); err != nil {
		con.Printf("read error: %v\n", err)
		return 1
	}
	return 0
}
