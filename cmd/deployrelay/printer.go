package main

import (
	"bytes"
	"io"
	"sync"

	"github.com/fatih/color"

	"github.com/antonkrylov/deployrelay/internal/deploy"
)

var (
	stdoutLabel = color.New(color.FgCyan).SprintFunc()
	stderrLabel = color.New(color.FgYellow).SprintFunc()
)

// consoleObserver prints remote output line by line with a stream prefix.
type consoleObserver struct {
	mu  sync.Mutex
	out io.Writer
	err io.Writer
}

func newConsoleObserver(out, err io.Writer) *consoleObserver {
	return &consoleObserver{out: out, err: err}
}

func (p *consoleObserver) Stdout(_ deploy.Command, line []byte) {
	p.print(p.out, stdoutLabel("STDOUT:"), line)
}

func (p *consoleObserver) Stderr(_ deploy.Command, line []byte) {
	p.print(p.err, stderrLabel("STDERR:"), line)
}

func (p *consoleObserver) print(w io.Writer, label string, line []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	line = bytes.TrimRight(line, "\r\n")
	_, _ = io.WriteString(w, label+" ")
	_, _ = w.Write(line)
	_, _ = io.WriteString(w, "\n")
}
