package nut

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"
)

// Variable names queried from the NUT daemon each poll cycle.
const (
	VarStatus  = "ups.status"
	VarCharge  = "battery.charge"
	VarLoad    = "ups.load"
	VarRuntime = "battery.runtime"
)

// PollError is a transient poll-cycle failure: the daemon was unreachable,
// timed out, or answered with something unparseable. The cycle is skipped
// and no sample is recorded.
type PollError struct {
	Op  string
	Err error
}

func (e *PollError) Error() string {
	return fmt.Sprintf("nut poll %s: %v", e.Op, e.Err)
}

func (e *PollError) Unwrap() error { return e.Err }

type Client struct {
	mu      sync.Mutex
	conn    net.Conn
	reader  *bufio.Reader
	host    string
	port    int
	upsName string
	timeout time.Duration
}

func NewClient(host string, port int, upsName string, timeout time.Duration) *Client {
	return &Client{
		host:    host,
		port:    port,
		upsName: upsName,
		timeout: timeout,
	}
}

func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked()
}

func (c *Client) connectLocked() error {
	if c.conn != nil {
		return nil
	}

	addr := net.JoinHostPort(c.host, fmt.Sprintf("%d", c.port))
	conn, err := net.DialTimeout("tcp", addr, c.timeout)
	if err != nil {
		return fmt.Errorf("failed to connect to NUT daemon at %s: %w", addr, err)
	}

	c.conn = conn
	c.reader = bufio.NewReader(conn)
	return nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *Client) closeLocked() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.reader = nil
	return err
}

func (c *Client) Reconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
	return c.connectLocked()
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Poll queries the fixed variable set in one round trip per variable.
// Any failure tears down the connection so the next cycle redials.
func (c *Client) Poll() (map[string]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connectLocked(); err != nil {
		return nil, &PollError{Op: "connect", Err: err}
	}

	vars := make(map[string]string, 4)
	for _, name := range []string{VarStatus, VarCharge, VarLoad, VarRuntime} {
		value, err := c.getVarLocked(name)
		if err != nil {
			// battery.runtime is absent on wall power for some drivers
			if name == VarRuntime && isVarNotSupported(err) {
				continue
			}
			c.closeLocked()
			return nil, &PollError{Op: name, Err: err}
		}
		vars[name] = value
	}

	return vars, nil
}

// getVarLocked runs one GET VAR exchange. Protocol:
//
//	>> GET VAR <ups> <name>
//	<< VAR <ups> <name> "<value>"
//
// or an ERR line.
func (c *Client) getVarLocked(name string) (string, error) {
	if err := c.conn.SetDeadline(time.Now().Add(c.timeout)); err != nil {
		return "", err
	}

	if _, err := fmt.Fprintf(c.conn, "GET VAR %s %s\n", c.upsName, name); err != nil {
		return "", err
	}

	line, err := c.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	line = strings.TrimRight(line, "\r\n")

	if strings.HasPrefix(line, "ERR ") {
		return "", fmt.Errorf("daemon error for %s: %s", name, strings.TrimPrefix(line, "ERR "))
	}

	return parseVarLine(line, c.upsName, name)
}

func parseVarLine(line, upsName, name string) (string, error) {
	prefix := fmt.Sprintf("VAR %s %s ", upsName, name)
	if !strings.HasPrefix(line, prefix) {
		return "", fmt.Errorf("unexpected response %q for %s", line, name)
	}

	value := strings.TrimPrefix(line, prefix)
	if len(value) < 2 || value[0] != '"' || value[len(value)-1] != '"' {
		return "", fmt.Errorf("malformed value %q for %s", value, name)
	}
	return value[1 : len(value)-1], nil
}

func isVarNotSupported(err error) bool {
	return strings.Contains(err.Error(), "VAR-NOT-SUPPORTED")
}
