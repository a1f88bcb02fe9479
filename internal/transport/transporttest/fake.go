// Package transporttest provides in-memory transport fakes for tests.
package transporttest

import (
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/antonkrylov/deployrelay/internal/transport"
)

// ErrClosed is returned by Exec and Shell after Close.
var ErrClosed = errors.New("transporttest: connection closed")

// Script is the canned behaviour of one exec command.
type Script struct {
	Stdout  string
	Stderr  string
	Exit    transport.Exit
	WaitErr error
	// Delay holds the channel open before output is released.
	Delay time.Duration
}

// Conn is a fake transport.Conn. Configure Scripts, ExecErrors and
// ShellChannel before use.
type Conn struct {
	Scripts    map[string]Script
	ExecErrors map[string]error
	// ShellChannel is returned by Shell; nil makes Shell fail with ShellErr.
	ShellChannel *Shell
	ShellErr     error

	mu      sync.Mutex
	execs   []string
	open    int
	maxOpen int
	closes  int
	closed  bool
}

func (c *Conn) Exec(command string) (transport.ExecChannel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.execs = append(c.execs, command)
	if c.closed {
		return nil, ErrClosed
	}
	if err := c.ExecErrors[command]; err != nil {
		return nil, err
	}
	c.open++
	if c.open > c.maxOpen {
		c.maxOpen = c.open
	}
	script := c.Scripts[command]
	return &execChannel{conn: c, script: script}, nil
}

func (c *Conn) Shell() (transport.ShellChannel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.ShellChannel == nil {
		if c.ShellErr != nil {
			return nil, c.ShellErr
		}
		return nil, errors.New("transporttest: no shell configured")
	}
	return c.ShellChannel, nil
}

// Close marks the connection closed and hangs up the shell, mirroring a
// real connection teardown.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.closes++
	c.closed = true
	sh := c.ShellChannel
	c.mu.Unlock()
	if sh != nil {
		sh.Hangup()
	}
	return nil
}

// Execs returns the exec requests in the order they were issued.
func (c *Conn) Execs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.execs...)
}

// MaxOpen is the highest number of exec channels open at the same time.
func (c *Conn) MaxOpen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxOpen
}

// Closes counts Close calls.
func (c *Conn) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

type execChannel struct {
	conn   *Conn
	script Script
	once   sync.Once
	ready  sync.Once
	stdout io.Reader
	stderr io.Reader
}

func (e *execChannel) prepare() {
	e.ready.Do(func() {
		if e.script.Delay > 0 {
			time.Sleep(e.script.Delay)
		}
		e.stdout = strings.NewReader(e.script.Stdout)
		e.stderr = strings.NewReader(e.script.Stderr)
	})
}

func (e *execChannel) Stdout() io.Reader { e.prepare(); return e.stdout }
func (e *execChannel) Stderr() io.Reader { e.prepare(); return e.stderr }

func (e *execChannel) Wait() (transport.Exit, error) {
	e.prepare()
	return e.script.Exit, e.script.WaitErr
}

func (e *execChannel) Close() error {
	e.once.Do(func() {
		e.conn.mu.Lock()
		e.conn.open--
		e.conn.mu.Unlock()
	})
	return nil
}

// Shell is a fake transport.ShellChannel. Remote output is injected with
// Emit; writes from the code under test are recorded.
type Shell struct {
	pr *io.PipeReader
	pw *io.PipeWriter

	mu          sync.Mutex
	writes      []string
	writeClosed bool
	notify      chan struct{}
	hangup      sync.Once
}

func NewShell() *Shell {
	pr, pw := io.Pipe()
	return &Shell{pr: pr, pw: pw, notify: make(chan struct{}, 1)}
}

func (s *Shell) Write(p []byte) (int, error) {
	s.mu.Lock()
	if s.writeClosed {
		s.mu.Unlock()
		return 0, io.ErrClosedPipe
	}
	s.writes = append(s.writes, string(p))
	s.mu.Unlock()
	s.signal()
	return len(p), nil
}

func (s *Shell) Output() io.Reader { return s.pr }

func (s *Shell) CloseWrite() error {
	s.mu.Lock()
	s.writeClosed = true
	s.mu.Unlock()
	s.signal()
	return nil
}

func (s *Shell) Close() error {
	s.Hangup()
	return nil
}

// Emit delivers data as remote output. It blocks until the reader consumes
// it and returns false once the shell has been hung up.
func (s *Shell) Emit(data string) bool {
	_, err := io.WriteString(s.pw, data)
	return err == nil
}

// Hangup simulates the remote side closing the channel.
func (s *Shell) Hangup() {
	s.hangup.Do(func() { _ = s.pw.Close() })
}

// Writes returns everything written to the shell so far.
func (s *Shell) Writes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.writes...)
}

// WriteClosed reports whether CloseWrite was called.
func (s *Shell) WriteClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeClosed
}

// WaitFor polls until cond holds or timeout elapses.
func (s *Shell) WaitFor(timeout time.Duration, cond func(*Shell) bool) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		if cond(s) {
			return true
		}
		select {
		case <-s.notify:
		case <-deadline.C:
			return cond(s)
		}
	}
}

func (s *Shell) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

var (
	_ transport.Conn         = (*Conn)(nil)
	_ transport.ShellChannel = (*Shell)(nil)
)
