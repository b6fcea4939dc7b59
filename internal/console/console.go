// Package console serializes user-visible output between the read loop and
// the signal goroutine so status lines never interleave mid-line.
package console

import (
	"fmt"
	"io"
	"sync"
)

type Console struct {
	mu  sync.Mutex
	out io.Writer
}

func New(out io.Writer) *Console {
	return &Console{out: out}
}

// Write writes p in one piece.
func (c *Console) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out.Write(p)
}

// Printf formats and writes a message in one piece. Errors are dropped:
// there is nowhere else to report them.
func (c *Console) Printf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	_, _ = c.Write([]byte(msg))
}

// Println is Printf with fmt.Sprintln semantics.
func (c *Console) Println(args ...any) {
	_, _ = c.Write([]byte(fmt.Sprintln(args...)))
}
