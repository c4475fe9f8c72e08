package pjsua

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"
)

// Telnet protocol bytes used during option negotiation
const (
	iac  = 255
	dont = 254
	do   = 253
	wont = 252
	will = 251
	sb   = 250
	se   = 240
)

// DefaultPrompt is the prompt printed by pjsua --use-cli
const DefaultPrompt = ">>> "

// ErrNotConnected is returned by commands issued on a closed CLI connection
var ErrNotConnected = errors.New("pjsua: cli not connected")

// commander runs one CLI command and returns its output without echo and prompt
type commander interface {
	Exec(ctx context.Context, command string) (string, error)
	Close() error
}

// telnetConn is a connection to the pjsua telnet CLI.
// Commands are serialized: pjsua answers strictly in order.
type telnetConn struct {
	conn    net.Conn
	reader  *bufio.Reader
	prompt  string
	timeout time.Duration

	mu     sync.Mutex
	closed bool
}

// dialTelnet connects to addr and consumes the banner up to the first prompt
func dialTelnet(ctx context.Context, addr string, timeout time.Duration) (*telnetConn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	c := &telnetConn{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		prompt:  DefaultPrompt,
		timeout: timeout,
	}
	if _, err := c.readUntilPrompt(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to read initial prompt: %w", err)
	}
	return c, nil
}

// Exec sends command and waits for the next prompt
func (c *telnetConn) Exec(ctx context.Context, command string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return "", ErrNotConnected
	}

	if _, err := c.conn.Write([]byte(command + "\r\n")); err != nil {
		return "", fmt.Errorf("failed to write command %q: %w", command, err)
	}

	out, err := c.readUntilPrompt(ctx)
	if err != nil {
		return out, fmt.Errorf("command %q: %w", command, err)
	}
	return cleanOutput(out, command), nil
}

// Close closes the connection
func (c *telnetConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

func (c *telnetConn) readUntilPrompt(ctx context.Context) (string, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.timeout)
	}
	c.conn.SetReadDeadline(deadline)
	defer c.conn.SetReadDeadline(time.Time{})

	prompt := []byte(c.prompt)
	var buf bytes.Buffer
	for {
		if err := ctx.Err(); err != nil {
			return buf.String(), err
		}
		b, err := c.readByte()
		if err != nil {
			return buf.String(), err
		}
		buf.WriteByte(b)
		if bytes.HasSuffix(buf.Bytes(), prompt) {
			return string(buf.Bytes()[:buf.Len()-len(prompt)]), nil
		}
	}
}

// readByte returns the next data byte, answering option negotiation on the way.
// Every DO is refused with WONT and every WILL with DONT.
func (c *telnetConn) readByte() (byte, error) {
	for {
		b, err := c.reader.ReadByte()
		if err != nil {
			return 0, err
		}
		if b != iac {
			return b, nil
		}

		cmd, err := c.reader.ReadByte()
		if err != nil {
			return 0, err
		}
		switch cmd {
		case iac:
			return iac, nil
		case do, dont, will, wont:
			opt, err := c.reader.ReadByte()
			if err != nil {
				return 0, err
			}
			switch cmd {
			case do:
				c.conn.Write([]byte{iac, wont, opt})
			case will:
				c.conn.Write([]byte{iac, dont, opt})
			}
		case sb:
			if err := c.skipSubnegotiation(); err != nil {
				return 0, err
			}
		}
	}
}

func (c *telnetConn) skipSubnegotiation() error {
	prev := byte(0)
	for {
		b, err := c.reader.ReadByte()
		if err != nil {
			return err
		}
		if prev == iac && b == se {
			return nil
		}
		prev = b
	}
}

// cleanOutput drops the command echo and surrounding whitespace
func cleanOutput(out, command string) string {
	out = strings.ReplaceAll(out, "\r", "")
	lines := strings.Split(out, "\n")
	if len(lines) > 0 && strings.TrimSpace(lines[0]) == strings.TrimSpace(command) {
		lines = lines[1:]
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
