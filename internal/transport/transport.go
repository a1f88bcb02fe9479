// Package transport opens SSH connections and multiplexes exec and shell
// channels over them.
package transport

import (
	"context"
	"io"
)

// Conn is one authenticated connection to a remote host. Exec and Shell may
// be called concurrently; each returns an independent channel.
type Conn interface {
	// Exec starts command on a fresh channel.
	Exec(command string) (ExecChannel, error)
	// Shell starts an interactive login shell with a remote PTY.
	Shell() (ShellChannel, error)
	// Close tears down the connection and every channel on it. Safe to call
	// more than once.
	Close() error
}

// Dialer establishes a Conn.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// ExecChannel streams the output of a single remote command.
type ExecChannel interface {
	Stdout() io.Reader
	Stderr() io.Reader
	// Wait blocks until the remote command finishes. Both output streams must
	// be drained concurrently or the remote side may stall. A non-zero exit
	// is reported in Exit, not as an error.
	Wait() (Exit, error)
	Close() error
}

// ShellChannel is a duplex interactive session.
type ShellChannel interface {
	// Write sends bytes to the remote shell's stdin.
	Write(p []byte) (int, error)
	// Output carries the merged stdout/stderr of the shell. It returns io.EOF
	// once the remote side closes the channel.
	Output() io.Reader
	// CloseWrite signals EOF on the shell's stdin.
	CloseWrite() error
	Close() error
}

// Exit is the completion signal of an exec channel.
type Exit struct {
	Code   int
	Signal string
}
