// Package session wires the transport, the command sequencer and the
// optional login relay into one run.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/antonkrylov/deployrelay/internal/deploy"
	"github.com/antonkrylov/deployrelay/internal/relay"
	"github.com/antonkrylov/deployrelay/internal/sequencer"
	"github.com/antonkrylov/deployrelay/internal/transport"
)

// Outcome summarizes a completed run.
type Outcome struct {
	Started time.Time
	Ended   time.Time
	Results []sequencer.Result
	// RelayState is the relay's final state; meaningful only when RelayRan.
	RelayState relay.State
	RelayRan   bool
	RelayErr   error
}

// Orchestrator dials once and runs the sequencer and, when Relay is set, the
// login relay concurrently on the same connection.
type Orchestrator struct {
	Dialer    transport.Dialer
	Sequencer *sequencer.Sequencer
	// Relay is optional; nil disables the login handoff.
	Relay  *relay.Relay
	Logger *slog.Logger
}

// Run returns an error only when the connection cannot be established.
// Command failures and relay failures are reported in the Outcome.
func (o *Orchestrator) Run(ctx context.Context, queue []deploy.Command) (Outcome, error) {
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}
	out := Outcome{Started: time.Now()}

	conn, err := o.Dialer.Dial(ctx)
	if err != nil {
		logger.Error("connect", "err", err)
		out.Ended = time.Now()
		return out, fmt.Errorf("connect: %w", err)
	}
	logger.Info("client ready", "commands", len(queue), "login_relay", o.Relay != nil)

	// Cancellation tears down the connection, which unblocks every channel
	// reader in both components.
	stop := context.AfterFunc(ctx, func() {
		logger.Warn("run cancelled, closing connection", "err", ctx.Err())
		_ = conn.Close()
	})
	defer stop()

	seq := o.Sequencer
	if seq == nil {
		seq = &sequencer.Sequencer{Logger: logger}
	}

	var wg sync.WaitGroup
	if o.Relay != nil {
		out.RelayRan = true
		wg.Add(1)
		go func() {
			defer wg.Done()
			state, err := o.Relay.Run(ctx, conn)
			if err != nil {
				logger.Error("login relay", "state", state.String(), "err", err)
			}
			out.RelayState = state
			out.RelayErr = err
		}()
	}

	out.Results = seq.Run(ctx, conn, queue)
	wg.Wait()
	out.Ended = time.Now()
	return out, nil
}
