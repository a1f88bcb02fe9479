package relay

import (
	"bytes"
	"io"
	"log/slog"
	"strings"
	"testing"
)

type fakeShell struct {
	writes      []string
	writeClosed bool
}

func (f *fakeShell) Write(p []byte) (int, error) {
	f.writes = append(f.writes, string(p))
	return len(p), nil
}

func (f *fakeShell) CloseWrite() error {
	f.writeClosed = true
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestMachine(local io.Writer) (*Machine, *fakeShell, *int) {
	sh := &fakeShell{}
	m := NewMachine(Config{}, sh, local, quietLogger())
	captures := 0
	m.OnCapture(func() error {
		captures++
		return nil
	})
	return m, sh, &captures
}

func TestMachine_StartWritesProbe(t *testing.T) {
	m, sh, _ := newTestMachine(nil)
	if err := m.Start(); err != nil {
		t.Fatal(err)
	}
	if len(sh.writes) != 1 || sh.writes[0] != "cf oauth-token\n" {
		t.Fatalf("writes=%q", sh.writes)
	}
	if m.State() != StateAwaitingProbe {
		t.Fatalf("state=%s", m.State())
	}
}

func TestMachine_MarkerTriggersLogin(t *testing.T) {
	m, sh, captures := newTestMachine(nil)
	_ = m.Start()
	if err := m.HandleOutput([]byte("token: FAILED\r\n")); err != nil {
		t.Fatal(err)
	}
	if len(sh.writes) != 2 || sh.writes[1] != "cf login --sso\n" {
		t.Fatalf("writes=%q", sh.writes)
	}
	if m.State() != StateBufferingInput {
		t.Fatalf("state=%s", m.State())
	}
	if *captures != 1 {
		t.Fatalf("captures=%d", *captures)
	}
}

func TestMachine_NoMarkerStaysAwaiting(t *testing.T) {
	m, sh, captures := newTestMachine(nil)
	_ = m.Start()
	for _, chunk := range []string{"token: abc123\r\n", "$ ", "bearer eyJhbGci\r\n"} {
		if err := m.HandleOutput([]byte(chunk)); err != nil {
			t.Fatal(err)
		}
	}
	if m.State() != StateAwaitingProbe {
		t.Fatalf("state=%s", m.State())
	}
	if len(sh.writes) != 1 {
		t.Fatalf("writes=%q", sh.writes)
	}
	if *captures != 0 {
		t.Fatalf("captures=%d", *captures)
	}
}

func TestMachine_MarkerSplitAcrossChunks(t *testing.T) {
	m, sh, _ := newTestMachine(nil)
	_ = m.Start()
	_ = m.HandleOutput([]byte("token: FAI"))
	if m.State() != StateAwaitingProbe {
		t.Fatalf("state=%s", m.State())
	}
	_ = m.HandleOutput([]byte("LED\r\n"))
	if m.State() != StateBufferingInput {
		t.Fatalf("state=%s", m.State())
	}
	if sh.writes[len(sh.writes)-1] != "cf login --sso\n" {
		t.Fatalf("writes=%q", sh.writes)
	}
}

func TestMachine_CustomMarkerAndLogin(t *testing.T) {
	sh := &fakeShell{}
	m := NewMachine(Config{Probe: "gh auth status", FailureMarker: "not logged", LoginCommand: "gh auth login"}, sh, nil, quietLogger())
	_ = m.Start()
	_ = m.HandleOutput([]byte("FAILED\n"))
	if m.State() != StateAwaitingProbe {
		t.Fatalf("state=%s", m.State())
	}
	_ = m.HandleOutput([]byte("You are not logged into any hosts\n"))
	if strings.Join(sh.writes, "|") != "gh auth status\n|gh auth login\n" {
		t.Fatalf("writes=%q", sh.writes)
	}
}

func TestMachine_InputBufferedUntilTerminator(t *testing.T) {
	var local bytes.Buffer
	m, sh, _ := newTestMachine(&local)
	_ = m.Start()
	_ = m.HandleOutput([]byte("FAILED"))
	before := len(sh.writes)

	for _, key := range []string{"p", "a", "s", "s"} {
		if err := m.HandleInput([]byte(key)); err != nil {
			t.Fatal(err)
		}
	}
	_ = m.HandleInput([]byte("code"))
	if len(sh.writes) != before {
		t.Fatalf("keystrokes written individually: %q", sh.writes[before:])
	}
	if string(m.Buffered()) != "passcode" {
		t.Fatalf("buffered=%q", m.Buffered())
	}

	if err := m.HandleInput([]byte{EOT}); err != nil {
		t.Fatal(err)
	}
	if len(sh.writes) != before+1 || sh.writes[before] != "passcode\n" {
		t.Fatalf("writes=%q", sh.writes)
	}
	if len(m.Buffered()) != 0 {
		t.Fatalf("buffer not cleared: %q", m.Buffered())
	}
	if m.State() != StatePassthrough {
		t.Fatalf("state=%s", m.State())
	}
	if !sh.writeClosed {
		t.Fatalf("expected shell input closed")
	}
	if !strings.HasPrefix(local.String(), "passcode") {
		t.Fatalf("echo=%q", local.String())
	}
}

func TestMachine_TerminatorMidChunkDropsRest(t *testing.T) {
	m, sh, _ := newTestMachine(nil)
	_ = m.Start()
	_ = m.HandleOutput([]byte("FAILED"))
	_ = m.HandleInput([]byte("abc\x04ignored"))
	if sh.writes[len(sh.writes)-1] != "abc\n" {
		t.Fatalf("writes=%q", sh.writes)
	}
	_ = m.HandleInput([]byte("more"))
	if sh.writes[len(sh.writes)-1] != "abc\n" || len(m.Buffered()) != 0 {
		t.Fatalf("input after passthrough was buffered or written")
	}
}

func TestMachine_InputIgnoredBeforeCapture(t *testing.T) {
	m, sh, _ := newTestMachine(nil)
	_ = m.Start()
	_ = m.HandleInput([]byte("early\x04"))
	if len(sh.writes) != 1 || len(m.Buffered()) != 0 {
		t.Fatalf("writes=%q buffered=%q", sh.writes, m.Buffered())
	}
}

func TestMachine_PassthroughForwardsOutput(t *testing.T) {
	var local bytes.Buffer
	m, sh, _ := newTestMachine(&local)
	_ = m.Start()
	_ = m.HandleOutput([]byte("FAILED"))
	_ = m.HandleInput([]byte{EOT})
	local.Reset()

	_ = m.HandleOutput([]byte("Authenticating...\r\nFAILED again\r\n"))
	if local.String() != "Authenticating...\r\nFAILED again\r\n" {
		t.Fatalf("local=%q", local.String())
	}
	if m.State() != StatePassthrough {
		t.Fatalf("state=%s", m.State())
	}
	if n := strings.Count(strings.Join(sh.writes, ""), "cf login"); n != 1 {
		t.Fatalf("login written %d times", n)
	}
}

func TestStateString(t *testing.T) {
	if StateBufferingInput.String() != "buffering-input" {
		t.Fatalf("got %s", StateBufferingInput)
	}
	if State(9).String() != "State(9)" {
		t.Fatalf("got %s", State(9))
	}
}

func TestMachine_LoginPromptReachesOperatorWhileBuffering(t *testing.T) {
	var local bytes.Buffer
	var logs bytes.Buffer
	sh := &fakeShell{}
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelWarn}))
	m := NewMachine(Config{}, sh, &local, logger)
	_ = m.Start()
	_ = m.HandleOutput([]byte("FAILED\r\n"))
	if local.Len() != 0 {
		t.Fatalf("probe output leaked before capture: %q", local.String())
	}

	prompt := "Temporary Authentication Code ( Get one at https://login.example.com/passcode ): "
	if err := m.HandleOutput([]byte(prompt)); err != nil {
		t.Fatal(err)
	}
	if local.String() != prompt {
		t.Fatalf("local=%q", local.String())
	}
	if logs.Len() != 0 {
		t.Fatalf("unexpected logs at warn level: %s", logs.String())
	}
	if m.State() != StateBufferingInput {
		t.Fatalf("state=%s", m.State())
	}
}
