package shutdown

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"golang.org/x/crypto/ssh"
)

// DefaultCommand is what runs on the target when none is configured. It is
// idempotent: issuing poweroff to a host already shutting down is harmless.
const DefaultCommand = "sudo systemctl poweroff"

// SSHExecutor runs the shutdown command over an SSH connection with
// publickey auth. The target must allow passwordless privilege elevation
// for the configured command.
type SSHExecutor struct{}

func NewSSHExecutor() *SSHExecutor {
	return &SSHExecutor{}
}

func (e *SSHExecutor) Execute(ctx context.Context, target Target) error {
	key, err := os.ReadFile(target.KeyPath)
	if err != nil {
		return fmt.Errorf("failed to read SSH key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return fmt.Errorf("failed to parse SSH key: %w", err)
	}

	port := target.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(target.Host, fmt.Sprintf("%d", port))

	cfg := &ssh.ClientConfig{
		User:            target.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}
	if deadline, ok := ctx.Deadline(); ok {
		cfg.Timeout = time.Until(deadline)
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return fmt.Errorf("SSH handshake with %s failed: %w", addr, err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("failed to open SSH session on %s: %w", addr, err)
	}
	defer session.Close()

	command := target.Command
	if command == "" {
		command = DefaultCommand
	}

	if err := session.Run(command); err != nil {
		// The connection dropping right after poweroff lands is expected;
		// an exit status is not. Only a reported non-zero exit is a failure
		// we can retry meaningfully, but the caller treats both the same.
		return fmt.Errorf("command %q on %s: %w", command, addr, err)
	}
	return nil
}
