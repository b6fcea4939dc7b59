package parser

import (
	"errors"
	"strings"
)

var (
	ErrMissingFile  = errors.New("missing file name after redirection")
	ErrMissingStage = errors.New("missing command after |")
	ErrTooManyPipes = errors.New("only two pipeline stages are supported")
)

// Parse splits a command line into arguments and reports whether it asked
// for a background job. Arguments are separated by spaces; text between
// single quotes is one argument. A last argument starting with & is dropped
// and marks the job as background.
func Parse(line string) ([]string, bool) {
	line = strings.TrimRight(line, "\r\n")

	var args []string
	i := 0
	for {
		for i < len(line) && (line[i] == ' ' || line[i] == '\t') {
			i++
		}
		if i >= len(line) {
			break
		}

		if line[i] == '\'' {
			end := strings.IndexByte(line[i+1:], '\'')
			if end < 0 {
				// unterminated quote runs to end of line
				args = append(args, line[i+1:])
				break
			}
			args = append(args, line[i+1:i+1+end])
			i += end + 2
			continue
		}

		end := strings.IndexAny(line[i:], " \t")
		if end < 0 {
			args = append(args, line[i:])
			break
		}
		args = append(args, line[i:i+end])
		i += end
	}

	if len(args) == 0 {
		return nil, false
	}
	if strings.HasPrefix(args[len(args)-1], "&") {
		return args[:len(args)-1], true
	}
	return args, false
}

// Pipeline is one command line broken into at most two program
// invocations and their redirections.
type Pipeline struct {
	First  []string
	Second []string
	Stdin  string
	Stdout string
	Append bool
}

// Piped reports whether a second stage was requested.
func (p *Pipeline) Piped() bool {
	return len(p.Second) > 0
}

// SplitPipeline scans args for <, >, >> and |. Malformed pieces are dropped
// and reported through the returned errors; whatever could be recovered is
// still returned so the caller can decide to launch it.
func SplitPipeline(args []string) (*Pipeline, []error) {
	p := &Pipeline{}
	var errs []error
	stage := &p.First
	piped := false

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "<":
			if i+1 >= len(args) {
				errs = append(errs, ErrMissingFile)
				continue
			}
			p.Stdin = args[i+1]
			i++
		case ">", ">>":
			if i+1 >= len(args) {
				errs = append(errs, ErrMissingFile)
				continue
			}
			p.Stdout = args[i+1]
			p.Append = args[i] == ">>"
			i++
		case "|":
			if piped {
				errs = append(errs, ErrTooManyPipes)
				return p, errs
			}
			piped = true
			stage = &p.Second
		default:
			*stage = append(*stage, args[i])
		}
	}

	if piped && len(p.Second) == 0 {
		errs = append(errs, ErrMissingStage)
	}
	return p, errs
}
