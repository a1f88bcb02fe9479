// Package sequencer runs a queue of remote commands one at a time over a
// single connection.
package sequencer

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/antonkrylov/deployrelay/internal/deploy"
	"github.com/antonkrylov/deployrelay/internal/transport"
)

const defaultTailBytes = 64 * 1024

// ErrNotStarted marks commands skipped because the run was cancelled before
// their turn.
var ErrNotStarted = errors.New("command not started")

// Observer receives remote output line by line. Calls for one command never
// overlap with calls for another.
type Observer interface {
	Stdout(cmd deploy.Command, line []byte)
	Stderr(cmd deploy.Command, line []byte)
}

// Result describes how one command ended.
type Result struct {
	Command deploy.Command
	Exit    transport.Exit
	// Err is set when the channel could not be opened or did not report an
	// exit status. A non-zero exit code is not an error.
	Err     error
	Started time.Time
	Ended   time.Time
	Stdout  string
	Stderr  string
}

// Ran reports whether the command reached the remote host and exited.
func (r Result) Ran() bool {
	return r.Err == nil
}

// Sequencer drives the command queue. The zero value is usable.
type Sequencer struct {
	Logger   *slog.Logger
	Observer Observer
	// Wrap turns a queued command into the string sent on the exec channel.
	// Defaults to deploy.LoginShell.
	Wrap func(deploy.Command) string
	// TailBytes bounds the output kept per stream in each Result.
	TailBytes int
}

// Run executes queue in order, waiting for each exec channel to complete
// before opening the next. Failures are recorded and never stop the queue.
// The connection is closed exactly once after the last command.
func (s *Sequencer) Run(ctx context.Context, conn transport.Conn, queue []deploy.Command) []Result {
	logger := s.logger()
	results := make([]Result, 0, len(queue))
	for i, cmd := range queue {
		if err := ctx.Err(); err != nil {
			now := time.Now()
			results = append(results, Result{Command: cmd, Err: errors.Join(ErrNotStarted, err), Started: now, Ended: now})
			continue
		}
		logger.Info("executing", "step", i+1, "of", len(queue), "cmd", string(cmd))
		res := s.runOne(conn, cmd)
		if res.Err != nil {
			logger.Error("command did not run", "cmd", string(cmd), "err", res.Err)
		} else {
			logger.Info("command closed",
				"cmd", string(cmd),
				"code", res.Exit.Code,
				"signal", res.Exit.Signal,
				"dur", res.Ended.Sub(res.Started).Truncate(time.Millisecond),
			)
		}
		results = append(results, res)
	}
	logger.Info("all commands executed, closing connection", "count", len(queue))
	if err := conn.Close(); err != nil {
		logger.Warn("close connection", "err", err)
	}
	return results
}

func (s *Sequencer) runOne(conn transport.Conn, cmd deploy.Command) Result {
	res := Result{Command: cmd, Started: time.Now()}
	wrap := s.Wrap
	if wrap == nil {
		wrap = deploy.LoginShell
	}

	ch, err := conn.Exec(wrap(cmd))
	if err != nil {
		res.Err = err
		res.Ended = time.Now()
		return res
	}
	defer ch.Close()

	limit := s.TailBytes
	if limit == 0 {
		limit = defaultTailBytes
	}
	stdoutTail := &tailBuffer{max: limit}
	stderrTail := &tailBuffer{max: limit}

	// Observer calls are serialized so a single observer sees whole lines.
	var obsMu sync.Mutex
	emit := func(stream string, line []byte) {
		if s.Observer == nil {
			return
		}
		obsMu.Lock()
		defer obsMu.Unlock()
		if stream == "stdout" {
			s.Observer.Stdout(cmd, line)
		} else {
			s.Observer.Stderr(cmd, line)
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go s.collectStream(&wg, "stdout", ch.Stdout(), stdoutTail, emit)
	go s.collectStream(&wg, "stderr", ch.Stderr(), stderrTail, emit)
	wg.Wait()

	res.Exit, res.Err = ch.Wait()
	res.Ended = time.Now()
	res.Stdout = stdoutTail.String()
	res.Stderr = stderrTail.String()
	return res
}

func (s *Sequencer) collectStream(wg *sync.WaitGroup, stream string, pipe io.Reader, tail io.Writer, emit func(string, []byte)) {
	defer wg.Done()
	reader := bufio.NewReader(pipe)
	for {
		data, err := reader.ReadBytes('\n')
		if len(data) > 0 {
			_, _ = tail.Write(data)
			emit(stream, data)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger().Error("output read", "stream", stream, "err", err)
			}
			return
		}
	}
}

func (s *Sequencer) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
