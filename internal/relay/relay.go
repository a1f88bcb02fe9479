package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/antonkrylov/deployrelay/internal/transport"
)

const readChunk = 4096

type eventKind int

const (
	evOutput eventKind = iota
	evInput
	evInputDone
	evClosed
)

type event struct {
	kind eventKind
	data []byte
	err  error
}

// Relay runs the login handoff over one shell channel.
type Relay struct {
	Config Config
	// Terminal is put into raw mode while the operator types. Nil skips raw
	// mode entirely.
	Terminal Terminal
	// Input supplies operator keystrokes; defaults to os.Stdin.
	Input io.Reader
	// Output receives echo and passthrough bytes; defaults to os.Stdout.
	Output io.Writer
	Logger *slog.Logger
}

// Run opens a shell on conn and drives the state machine until the remote
// side closes the channel or ctx is done. It returns the final state. Only
// failure to open or write to the shell is reported as an error.
func (r *Relay) Run(ctx context.Context, conn transport.Conn) (State, error) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	input := r.Input
	if input == nil {
		input = os.Stdin
	}
	output := r.Output
	if output == nil {
		output = os.Stdout
	}

	sh, err := conn.Shell()
	if err != nil {
		return StateAwaitingProbe, fmt.Errorf("open shell: %w", err)
	}
	defer sh.Close()

	events := make(chan event, 16)
	done := make(chan struct{})
	defer close(done)

	send := func(ev event) bool {
		select {
		case events <- ev:
			return true
		case <-done:
			return false
		}
	}

	go pump(sh.Output(), evOutput, send)

	restore := func() {}
	defer func() { restore() }()

	m := NewMachine(r.Config, sh, output, logger)
	m.OnCapture(func() error {
		if r.Terminal != nil {
			undo, err := r.Terminal.MakeRaw()
			if err != nil {
				return err
			}
			restore = undo
		}
		logger.Info("waiting for operator input, finish with Ctrl-D")
		go pump(input, evInput, send)
		return nil
	})

	if err := m.Start(); err != nil {
		return m.State(), err
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info("relay cancelled", "state", m.State().String())
			return m.State(), nil
		case ev := <-events:
			switch ev.kind {
			case evOutput:
				if err := m.HandleOutput(ev.data); err != nil {
					return m.State(), err
				}
			case evInput:
				if err := m.HandleInput(ev.data); err != nil {
					return m.State(), err
				}
			case evInputDone:
				logger.Debug("operator input closed", "err", ev.err)
			case evClosed:
				logger.Info("shell closed", "state", m.State().String())
				return m.State(), nil
			}
		}
	}
}

// pump forwards chunks from r as events of kind until r fails. Output
// streams end with evClosed, input streams with evInputDone.
func pump(r io.Reader, kind eventKind, send func(event) bool) {
	buf := make([]byte, readChunk)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if !send(event{kind: kind, data: append([]byte(nil), buf[:n]...)}) {
				return
			}
		}
		if err != nil {
			end := evClosed
			if kind == evInput {
				end = evInputDone
			}
			if errors.Is(err, io.EOF) {
				err = nil
			}
			send(event{kind: end, err: err})
			return
		}
	}
}
