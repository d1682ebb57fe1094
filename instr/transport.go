package quenchd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"
)

const (
	// DefaultTimeout bounds both connect and read on an instrument socket
	DefaultTimeout = 5 * time.Second
)

// Conn is a line-oriented request/response client over TCP.
// One Conn is held for the duration of a single logical operation
// (e.g. "program waveform") and then released. No pooling, no
// retries here: retry policy belongs to the caller.
type Conn struct {
	Debug   bool // if true, log every line before sending
	nc      net.Conn
	rd      *bufio.Reader
	timeout time.Duration
}

// Dial opens a fresh instrument connection with a bounded connect timeout
func Dial(endpoint string, timeout time.Duration) (*Conn, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	nc, err := net.DialTimeout("tcp", endpoint, timeout)
	if err != nil {
		slog.Error("Could not reach instrument", slog.String("endpoint", endpoint), slog.Any("Error", err))
		return nil, &ConnectError{Endpoint: endpoint, Err: err}
	}
	return &Conn{
		nc:      nc,
		rd:      bufio.NewReader(nc),
		timeout: timeout,
	}, nil
}

// Send writes a single LF-terminated command, no response expected.
// It never blocks waiting for a reply.
func (c *Conn) Send(cmd string) error {
	line := fmt.Sprintf("%s\n", strings.TrimSpace(cmd))
	if c.Debug {
		slog.Info("send", slog.String("cmd", strings.TrimSpace(cmd)))
	}
	if err := c.nc.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return err
	}
	_, err := c.nc.Write([]byte(line))
	if err != nil {
		return fmt.Errorf("writing %q: %w", strings.TrimSpace(cmd), err)
	}
	return nil
}

// Query sends a command and reads until one LF-terminated response
// line has accumulated. Partial reads are expected at high rates.
func (c *Conn) Query(cmd string) (string, error) {
	if err := c.Send(cmd); err != nil {
		return "", err
	}
	return c.ReadLine()
}

// ReadLine reads one LF-terminated line within the socket timeout.
// A peer close before the terminator is a ProtocolError,
// no bytes within the deadline is a TimeoutError.
func (c *Conn) ReadLine() (string, error) {
	if err := c.nc.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return "", err
	}
	line, err := c.rd.ReadString('\n')
	if err != nil {
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return "", &TimeoutError{Op: "read", Err: err}
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return "", &ProtocolError{Op: "read", Detail: "connection closed before terminator"}
		}
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// Close releases the connection
func (c *Conn) Close() error {
	return c.nc.Close()
}
