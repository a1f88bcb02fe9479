package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	cryptossh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

const (
	DefaultPort        = 22
	defaultDialTimeout = 30 * time.Second
)

// ErrNoAuthMethod is returned when no password, private key or agent socket
// is configured.
var ErrNoAuthMethod = errors.New("ssh: no password, private key or agent configured")

// Config carries everything needed to open an SSH connection.
type Config struct {
	Host string
	// Port defaults to 22 when zero.
	Port       int
	User       string
	Password   string
	PrivateKey []byte
	Passphrase string
	// AgentSocket is an ssh-agent unix socket, usually $SSH_AUTH_SOCK.
	AgentSocket string
	// KnownHostsPath enables host key verification. Empty accepts any key.
	KnownHostsPath string
	Timeout        time.Duration
}

// Addr returns host:port.
func (c Config) Addr() string {
	port := c.Port
	if port <= 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// SSHDialer dials Config using golang.org/x/crypto/ssh.
type SSHDialer struct {
	Config Config
}

// Dial opens and authenticates the connection. The handshake respects both
// ctx and Config.Timeout.
func (d SSHDialer) Dial(ctx context.Context) (Conn, error) {
	clientCfg, release, err := clientConfig(d.Config)
	if err != nil {
		return nil, err
	}
	defer release()
	addr := d.Config.Addr()

	nd := net.Dialer{Timeout: clientCfg.Timeout}
	nc, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("ssh: dial %s: %w", addr, err)
	}
	_ = nc.SetDeadline(time.Now().Add(clientCfg.Timeout))
	stop := context.AfterFunc(ctx, func() { _ = nc.Close() })
	c, chans, reqs, err := cryptossh.NewClientConn(nc, addr, clientCfg)
	stop()
	if err != nil {
		_ = nc.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("ssh: handshake %s: %w", addr, err)
	}
	_ = nc.SetDeadline(time.Time{})
	return &sshConn{client: cryptossh.NewClient(c, chans, reqs)}, nil
}

// clientConfig builds the handshake config. release closes the agent
// connection, if any, and must be called once the handshake is done.
func clientConfig(cfg Config) (_ *cryptossh.ClientConfig, release func(), err error) {
	auth, release, err := authMethods(cfg)
	if err != nil {
		return nil, nil, err
	}
	hostKey := cryptossh.InsecureIgnoreHostKey() //nolint:gosec // opt-in verification via KnownHostsPath
	if cfg.KnownHostsPath != "" {
		hostKey, err = knownhosts.New(cfg.KnownHostsPath)
		if err != nil {
			release()
			return nil, nil, fmt.Errorf("ssh: known hosts: %w", err)
		}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	return &cryptossh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         timeout,
	}, release, nil
}

// authMethods offers the private key, then the agent's keys, then the
// password, which is also offered as keyboard-interactive for servers that
// disable plain password auth. An unreachable agent is skipped when another
// method is configured.
func authMethods(cfg Config) (methods []cryptossh.AuthMethod, release func(), err error) {
	release = func() {}
	if len(cfg.PrivateKey) > 0 {
		var (
			signer cryptossh.Signer
			err    error
		)
		if cfg.Passphrase != "" {
			signer, err = cryptossh.ParsePrivateKeyWithPassphrase(cfg.PrivateKey, []byte(cfg.Passphrase))
		} else {
			signer, err = cryptossh.ParsePrivateKey(cfg.PrivateKey)
		}
		if err != nil {
			return nil, nil, fmt.Errorf("ssh: parse private key: %w", err)
		}
		methods = append(methods, cryptossh.PublicKeys(signer))
	}
	var agentErr error
	if cfg.AgentSocket != "" {
		ac, err := net.Dial("unix", cfg.AgentSocket)
		if err != nil {
			agentErr = fmt.Errorf("ssh: agent: %w", err)
		} else {
			release = func() { _ = ac.Close() }
			methods = append(methods, cryptossh.PublicKeysCallback(agent.NewClient(ac).Signers))
		}
	}
	if cfg.Password != "" {
		password := cfg.Password
		methods = append(methods,
			cryptossh.Password(password),
			cryptossh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		)
	}
	switch {
	case len(methods) > 0:
		return methods, release, nil
	case agentErr != nil:
		return nil, nil, agentErr
	}
	return nil, nil, ErrNoAuthMethod
}

type sshConn struct {
	client    *cryptossh.Client
	closeOnce sync.Once
	closeErr  error
}

func (c *sshConn) Exec(command string) (ExecChannel, error) {
	sess, err := c.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("ssh: new session: %w", err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("ssh: stdout pipe: %w", err)
	}
	stderr, err := sess.StderrPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("ssh: stderr pipe: %w", err)
	}
	if err := sess.Start(command); err != nil {
		sess.Close()
		return nil, fmt.Errorf("ssh: start: %w", err)
	}
	return &sshExec{session: sess, stdout: stdout, stderr: stderr}, nil
}

func (c *sshConn) Shell() (ShellChannel, error) {
	sess, err := c.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("ssh: new session: %w", err)
	}
	modes := cryptossh.TerminalModes{
		cryptossh.ECHO:          1,
		cryptossh.TTY_OP_ISPEED: 14400,
		cryptossh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty("xterm-256color", 24, 80, modes); err != nil {
		sess.Close()
		return nil, fmt.Errorf("ssh: request pty: %w", err)
	}
	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("ssh: stdin pipe: %w", err)
	}
	pr, pw := io.Pipe()
	sess.Stdout = pw
	sess.Stderr = pw
	if err := sess.Shell(); err != nil {
		sess.Close()
		return nil, fmt.Errorf("ssh: start login shell: %w", err)
	}
	go func() {
		// Wait returns once the remote side has closed and both copies have
		// drained into pw.
		_ = sess.Wait()
		_ = pw.Close()
	}()
	return &sshShell{session: sess, stdin: stdin, output: pr}, nil
}

func (c *sshConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.client.Close()
	})
	return c.closeErr
}

type sshExec struct {
	session *cryptossh.Session
	stdout  io.Reader
	stderr  io.Reader
}

func (e *sshExec) Stdout() io.Reader { return e.stdout }
func (e *sshExec) Stderr() io.Reader { return e.stderr }

func (e *sshExec) Wait() (Exit, error) {
	err := e.session.Wait()
	if err == nil {
		return Exit{}, nil
	}
	var exitErr *cryptossh.ExitError
	if errors.As(err, &exitErr) {
		return Exit{Code: exitErr.ExitStatus(), Signal: exitErr.Signal()}, nil
	}
	return Exit{Code: -1}, fmt.Errorf("ssh: wait: %w", err)
}

func (e *sshExec) Close() error {
	err := e.session.Close()
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

type sshShell struct {
	session *cryptossh.Session
	stdin   io.WriteCloser
	output  io.Reader
	mu      sync.Mutex
}

func (s *sshShell) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stdin.Write(p)
}

func (s *sshShell) Output() io.Reader { return s.output }

func (s *sshShell) CloseWrite() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stdin.Close()
}

func (s *sshShell) Close() error {
	err := s.session.Close()
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

var (
	_ Dialer       = SSHDialer{}
	_ Conn         = (*sshConn)(nil)
	_ ExecChannel  = (*sshExec)(nil)
	_ ShellChannel = (*sshShell)(nil)
)
