package hl7

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"time"
)

// MLLPClient sends one message per connection and waits for the ACK.
type MLLPClient struct {
	addr    string
	timeout time.Duration
}

func NewMLLPClient(host string, port int) *MLLPClient {
	return &MLLPClient{
		addr:    net.JoinHostPort(host, fmt.Sprint(port)),
		timeout: 30 * time.Second,
	}
}

// SendMessage returns an error unless the receiver answers AA or CA.
func (c *MLLPClient) SendMessage(message []byte) error {
	conn, err := net.DialTimeout("tcp", c.addr, c.timeout)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", c.addr, err)
	}
	defer conn.Close()

	// Send the framed message
	conn.SetWriteDeadline(time.Now().Add(c.timeout))
	if _, err := conn.Write(WrapMLLP(message)); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}

	// Wait for the ACK
	conn.SetReadDeadline(time.Now().Add(c.timeout))
	ack, err := ReadFrame(bufio.NewReader(conn))
	if err != nil {
		return fmt.Errorf("failed to read ACK: %w", err)
	}

	// CA is the enhanced-mode commit accept
	if code := AckCode(ack); code != AckAccept && code != "CA" {
		return fmt.Errorf("negative ACK %s: %s", code, ackText(ack))
	}
	return nil
}

func ackText(ack []byte) string {
	for _, seg := range segments(ack) {
		if strings.HasPrefix(seg, "MSA|") {
			return field(strings.Split(seg, "|"), 3)
		}
	}
	return ""
}

// TestConnection checks the receiver is reachable.
func (c *MLLPClient) TestConnection() error {
	conn, err := net.DialTimeout("tcp", c.addr, 5*time.Second)
	if err != nil {
		return fmt.Errorf("connection test to %s failed: %w", c.addr, err)
	}
	return conn.Close()
}
