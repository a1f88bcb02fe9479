// Package relay detects whether the remote platform CLI is logged in and,
// when it is not, hands the login prompt to the local operator.
package relay

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
)

const (
	DefaultProbe         = "cf oauth-token"
	DefaultFailureMarker = "FAILED"
	DefaultLoginCommand  = "cf login --sso"

	// EOT (Ctrl-D) ends operator input by default.
	EOT byte = 0x04
)

// State is the relay's position in the login handoff.
type State int

const (
	StateAwaitingProbe State = iota
	StatePromptingLogin
	StateBufferingInput
	StatePassthrough
)

func (s State) String() string {
	switch s {
	case StateAwaitingProbe:
		return "awaiting-probe-response"
	case StatePromptingLogin:
		return "prompting-login"
	case StateBufferingInput:
		return "buffering-input"
	case StatePassthrough:
		return "passthrough"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Config selects the probe, the marker that means "not logged in" and the
// login command.
type Config struct {
	Probe         string
	FailureMarker string
	LoginCommand  string
	// Terminator flushes buffered operator input. Zero means EOT.
	Terminator byte
}

func (c Config) withDefaults() Config {
	if c.Probe == "" {
		c.Probe = DefaultProbe
	}
	if c.FailureMarker == "" {
		c.FailureMarker = DefaultFailureMarker
	}
	if c.LoginCommand == "" {
		c.LoginCommand = DefaultLoginCommand
	}
	if c.Terminator == 0 {
		c.Terminator = EOT
	}
	return c
}

// ShellWriter is the writable half of a shell channel.
type ShellWriter interface {
	Write(p []byte) (int, error)
	CloseWrite() error
}

// Machine is the relay state machine. It is not safe for concurrent use;
// Relay.Run drives it from a single event loop.
type Machine struct {
	cfg    Config
	shell  ShellWriter
	local  io.Writer
	logger *slog.Logger

	// capture runs when the operator takes over; it enables raw input.
	capture func() error

	state  State
	buf    []byte
	window []byte
}

// NewMachine returns a machine in StateAwaitingProbe. local receives echoed
// keystrokes and passthrough output.
func NewMachine(cfg Config, shell ShellWriter, local io.Writer, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	if local == nil {
		local = io.Discard
	}
	return &Machine{cfg: cfg.withDefaults(), shell: shell, local: local, logger: logger}
}

// OnCapture registers the hook run on entering StateBufferingInput.
func (m *Machine) OnCapture(fn func() error) {
	m.capture = fn
}

func (m *Machine) State() State { return m.state }

// Buffered returns a copy of the pending operator input.
func (m *Machine) Buffered() []byte {
	return append([]byte(nil), m.buf...)
}

// Start writes the probe command.
func (m *Machine) Start() error {
	m.logger.Info("probing login state", "probe", m.cfg.Probe)
	if _, err := io.WriteString(m.shell, m.cfg.Probe+"\n"); err != nil {
		return fmt.Errorf("write probe: %w", err)
	}
	return nil
}

// HandleOutput consumes one chunk of shell output.
func (m *Machine) HandleOutput(p []byte) error {
	// Once capture starts, output (the login prompt first) belongs on the
	// operator's terminal.
	if m.state == StateBufferingInput || m.state == StatePassthrough {
		m.logger.Debug("shell output", "state", m.state.String(), "data", string(p))
		_, err := m.local.Write(p)
		return err
	}
	m.logger.Info("shell output", "state", m.state.String(), "data", string(p))
	if m.state != StateAwaitingProbe {
		return nil
	}
	if !m.sawMarker(p) {
		return nil
	}

	m.state = StatePromptingLogin
	m.logger.Info("not logged in, starting login", "cmd", m.cfg.LoginCommand)
	if _, err := io.WriteString(m.shell, m.cfg.LoginCommand+"\n"); err != nil {
		return fmt.Errorf("write login command: %w", err)
	}
	if m.capture != nil {
		if err := m.capture(); err != nil {
			return fmt.Errorf("capture input: %w", err)
		}
	}
	m.state = StateBufferingInput
	return nil
}

// sawMarker matches the failure marker, including occurrences split across
// chunk boundaries.
func (m *Machine) sawMarker(p []byte) bool {
	marker := []byte(m.cfg.FailureMarker)
	joined := append(m.window, p...)
	if bytes.Contains(joined, marker) {
		m.window = nil
		return true
	}
	keep := len(marker) - 1
	if keep > len(joined) {
		keep = len(joined)
	}
	m.window = append([]byte(nil), joined[len(joined)-keep:]...)
	return false
}

// HandleInput consumes operator keystrokes. Outside StateBufferingInput they
// are dropped.
func (m *Machine) HandleInput(p []byte) error {
	if m.state != StateBufferingInput {
		return nil
	}
	for i, b := range p {
		if b != m.cfg.Terminator {
			m.buf = append(m.buf, b)
			m.echo(b)
			continue
		}
		if rest := len(p) - i - 1; rest > 0 {
			m.logger.Debug("dropping input after terminator", "bytes", rest)
		}
		return m.flush()
	}
	return nil
}

func (m *Machine) flush() error {
	line := make([]byte, 0, len(m.buf)+1)
	line = append(line, m.buf...)
	line = append(line, '\n')
	m.buf = m.buf[:0]
	m.state = StatePassthrough
	_, _ = io.WriteString(m.local, "\r\n")
	if _, err := m.shell.Write(line); err != nil {
		return fmt.Errorf("write operator input: %w", err)
	}
	m.logger.Info("operator input sent, switching to passthrough")
	if err := m.shell.CloseWrite(); err != nil {
		return fmt.Errorf("close shell input: %w", err)
	}
	return nil
}

// echo mirrors a keystroke locally since raw mode disables terminal echo.
func (m *Machine) echo(b byte) {
	switch b {
	case '\r', '\n':
		_, _ = io.WriteString(m.local, "\r\n")
	default:
		_, _ = m.local.Write([]byte{b})
	}
}
