package relay

import (
	"os"

	"golang.org/x/term"
)

// Terminal switches the local terminal into raw mode. The returned restore
// func must be called exactly once.
type Terminal interface {
	MakeRaw() (restore func(), err error)
}

// FileTerminal is a Terminal backed by a TTY file descriptor. Non-terminal
// files (pipes, redirected stdin) are left untouched.
type FileTerminal struct {
	File *os.File
}

// Stdin returns the Terminal for the process's standard input.
func Stdin() FileTerminal {
	return FileTerminal{File: os.Stdin}
}

func (t FileTerminal) MakeRaw() (func(), error) {
	fd := int(t.File.Fd())
	if !term.IsTerminal(fd) {
		return func() {}, nil
	}
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return nil, err
	}
	return func() { _ = term.Restore(fd, oldState) }, nil
}
