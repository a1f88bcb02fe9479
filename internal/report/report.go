// Package report records the outcome of a deployment run as JSON.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"github.com/antonkrylov/deployrelay/internal/session"
)

// Step is one command of the run.
type Step struct {
	Command    string `json:"command"`
	Ran        bool   `json:"ran"`
	ExitCode   int    `json:"exit_code"`
	Signal     string `json:"signal,omitempty"`
	Error      string `json:"error,omitempty"`
	StartedAt  string `json:"started_at"`
	DurationMS int64  `json:"duration_ms"`
	Stdout     string `json:"stdout,omitempty"`
	Stderr     string `json:"stderr,omitempty"`
}

type Report struct {
	RunID      string `json:"run_id"`
	Branch     string `json:"branch"`
	Host       string `json:"host"`
	StartedAt  string `json:"started_at"`
	FinishedAt string `json:"finished_at"`
	Steps      []Step `json:"steps"`
	// Relay is empty when the login relay was disabled.
	Relay      string `json:"relay_state,omitempty"`
	RelayError string `json:"relay_error,omitempty"`
}

// New builds a report with a fresh run ID.
func New(branch, host string, out session.Outcome) Report {
	r := Report{
		RunID:      strings.ReplaceAll(uuid.NewString(), "-", ""),
		Branch:     branch,
		Host:       host,
		StartedAt:  out.Started.UTC().Format(time.RFC3339Nano),
		FinishedAt: out.Ended.UTC().Format(time.RFC3339Nano),
		Steps:      make([]Step, 0, len(out.Results)),
	}
	for _, res := range out.Results {
		st := Step{
			Command:    string(res.Command),
			Ran:        res.Ran(),
			ExitCode:   res.Exit.Code,
			Signal:     res.Exit.Signal,
			StartedAt:  res.Started.UTC().Format(time.RFC3339Nano),
			DurationMS: res.Ended.Sub(res.Started).Milliseconds(),
			Stdout:     res.Stdout,
			Stderr:     res.Stderr,
		}
		if res.Err != nil {
			st.Error = res.Err.Error()
		}
		r.Steps = append(r.Steps, st)
	}
	if out.RelayRan {
		r.Relay = out.RelayState.String()
		if out.RelayErr != nil {
			r.RelayError = out.RelayErr.Error()
		}
	}
	return r
}

// Encode writes r as indented JSON. When compress is set the stream is zstd
// framed.
func (r Report) Encode(w io.Writer, compress bool) error {
	if !compress {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}
	zw, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	enc := json.NewEncoder(zw)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		_ = zw.Close()
		return err
	}
	return zw.Close()
}

// WriteFile writes the report to path, compressing when the path ends in
// ".zst". The file is replaced atomically.
func (r Report) WriteFile(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("report: %w", err)
		}
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("report: %w", err)
	}
	if err := r.Encode(f, strings.HasSuffix(path, ".zst")); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("report: encode: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("report: %w", err)
	}
	return os.Rename(tmp, path)
}

// ReadFile loads a report written by WriteFile.
func ReadFile(path string) (Report, error) {
	f, err := os.Open(path)
	if err != nil {
		return Report{}, err
	}
	defer f.Close()
	var src io.Reader = f
	if strings.HasSuffix(path, ".zst") {
		dec, err := zstd.NewReader(f)
		if err != nil {
			return Report{}, err
		}
		defer dec.Close()
		src = dec
	}
	var r Report
	if err := json.NewDecoder(src).Decode(&r); err != nil {
		return Report{}, fmt.Errorf("report: decode %s: %w", path, err)
	}
	return r, nil
}
