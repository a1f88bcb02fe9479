package report

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/antonkrylov/deployrelay/internal/relay"
	"github.com/antonkrylov/deployrelay/internal/sequencer"
	"github.com/antonkrylov/deployrelay/internal/session"
	"github.com/antonkrylov/deployrelay/internal/transport"
)

func sampleOutcome() session.Outcome {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return session.Outcome{
		Started: t0,
		Ended:   t0.Add(3 * time.Second),
		Results: []sequencer.Result{
			{Command: "npm --prefix /srv/app install", Started: t0, Ended: t0.Add(1500 * time.Millisecond), Stdout: "added 12 packages\n"},
			{Command: "npm --prefix /srv/app run deploy:umbrella hana1", Exit: transport.Exit{Code: 1}, Started: t0, Ended: t0.Add(time.Second), Stderr: "boom\n"},
			{Command: "false", Err: errors.New("open failed"), Started: t0, Ended: t0},
		},
		RelayRan:   true,
		RelayState: relay.StatePassthrough,
	}
}

func TestNewMapsResults(t *testing.T) {
	r := New("hotfix", "deploy.example.com", sampleOutcome())
	if len(r.RunID) != 32 {
		t.Fatalf("run id=%q", r.RunID)
	}
	if len(r.Steps) != 3 {
		t.Fatalf("steps=%d", len(r.Steps))
	}
	if r.Steps[0].DurationMS != 1500 || !r.Steps[0].Ran {
		t.Fatalf("step0=%+v", r.Steps[0])
	}
	if r.Steps[1].ExitCode != 1 || r.Steps[1].Stderr != "boom\n" {
		t.Fatalf("step1=%+v", r.Steps[1])
	}
	if r.Steps[2].Ran || r.Steps[2].Error != "open failed" {
		t.Fatalf("step2=%+v", r.Steps[2])
	}
	if r.Relay != "passthrough" {
		t.Fatalf("relay=%q", r.Relay)
	}
}

func TestNewOmitsRelayWhenDisabled(t *testing.T) {
	out := sampleOutcome()
	out.RelayRan = false
	if r := New("main", "h", out); r.Relay != "" {
		t.Fatalf("relay=%q", r.Relay)
	}
}

func TestWriteFilePlainAndCompressed(t *testing.T) {
	dir := t.TempDir()
	want := New("main", "deploy.example.com", sampleOutcome())

	for _, name := range []string{"run.json", "nested/run.json.zst"} {
		path := filepath.Join(dir, name)
		if err := want.WriteFile(path); err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
			t.Fatalf("%s: temp file left behind", name)
		}
		got, err := ReadFile(path)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if got.RunID != want.RunID || len(got.Steps) != 3 || got.Steps[1].ExitCode != 1 {
			t.Fatalf("%s: got=%+v", name, got)
		}
	}

	raw, err := os.ReadFile(filepath.Join(dir, "nested/run.json.zst"))
	if err != nil {
		t.Fatal(err)
	}
	// zstd frame magic
	if len(raw) < 4 || raw[0] != 0x28 || raw[1] != 0xb5 || raw[2] != 0x2f || raw[3] != 0xfd {
		t.Fatalf("not zstd: %d bytes", len(raw))
	}
}
