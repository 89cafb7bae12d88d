package mikrotik

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

// DefaultTimeout bounds a single command when the caller's context has no deadline
const DefaultTimeout = 10 * time.Second

// TrapError is a command-level failure reported by RouterOS (!trap)
type TrapError struct {
	Command string
	Message string
}

func (e *TrapError) Error() string {
	return fmt.Sprintf("MikroTik error on %s: %s", e.Command, e.Message)
}

// ErrAuthFailed is returned when the router rejects the API credentials
var ErrAuthFailed = errors.New("authentication failed")

// Client is a single authenticated RouterOS API session
type Client struct {
	Address  string
	Username string
	Password string
	conn     net.Conn
}

// Dial connects to the router and logs in
func Dial(ctx context.Context, address, username, password string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("cannot connect: %w", err)
	}

	c := &Client{Address: address, Username: username, Password: password, conn: conn}
	c.setDeadline(ctx)

	if err := c.login(); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// Close closes the connection
func (c *Client) Close() {
	if c.conn != nil {
		c.conn.Close()
	}
}

func (c *Client) setDeadline(ctx context.Context) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(DefaultTimeout)
	}
	c.conn.SetDeadline(deadline)
}

func (c *Client) login() error {
	response, err := c.roundTrip("/login", "=name="+c.Username, "=password="+c.Password)
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	for _, word := range response {
		if strings.HasPrefix(word, "!trap") {
			return ErrAuthFailed
		}
		if strings.HasPrefix(word, "=ret=") {
			// pre-6.43 routers answer with an MD5 challenge
			return c.challengeLogin(strings.TrimPrefix(word, "=ret="))
		}
	}
	return nil
}

func (c *Client) challengeLogin(challenge string) error {
	challengeBytes, err := hex.DecodeString(challenge)
	if err != nil {
		return err
	}

	h := md5.New()
	h.Write([]byte{0})
	h.Write([]byte(c.Password))
	h.Write(challengeBytes)

	response, err := c.roundTrip("/login", "=name="+c.Username, "=response=00"+hex.EncodeToString(h.Sum(nil)))
	if err != nil {
		return err
	}
	for _, word := range response {
		if strings.HasPrefix(word, "!trap") {
			return ErrAuthFailed
		}
	}
	return nil
}

// Run sends a command and parses the reply sentences.
// The context deadline is applied to the socket.
func (c *Client) Run(ctx context.Context, command string, args ...string) ([]map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.setDeadline(ctx)

	response, err := c.roundTrip(command, args...)
	if err != nil {
		return nil, err
	}
	return parseSentences(command, response)
}

func (c *Client) roundTrip(command string, args ...string) ([]string, error) {
	if err := c.sendWord(command); err != nil {
		return nil, err
	}
	for _, arg := range args {
		if err := c.sendWord(arg); err != nil {
			return nil, err
		}
	}
	if err := c.sendWord(""); err != nil {
		return nil, err
	}
	return c.readResponse()
}

// parseSentences turns a raw reply into one map per !re sentence
func parseSentences(command string, words []string) ([]map[string]string, error) {
	var results []map[string]string
	var current map[string]string
	var trap *TrapError

	for _, word := range words {
		switch {
		case word == "!re":
			current = make(map[string]string)
			results = append(results, current)
		case word == "!trap" || word == "!fatal":
			trap = &TrapError{Command: command}
			current = nil
		case word == "!done":
			current = nil
		case strings.HasPrefix(word, "="):
			key, value, _ := strings.Cut(word[1:], "=")
			if trap != nil {
				if key == "message" {
					trap.Message = value
				}
				continue
			}
			if current == nil {
				// attributes on !done, e.g. =ret= for add and count-only
				current = make(map[string]string)
				results = append(results, current)
			}
			current[key] = value
		}
	}

	if trap != nil {
		return nil, trap
	}
	return results, nil
}

// sendWord writes one length-prefixed word
func (c *Client) sendWord(word string) error {
	length := len(word)
	var lenBytes []byte

	if length < 0x80 {
		lenBytes = []byte{byte(length)}
	} else if length < 0x4000 {
		lenBytes = []byte{byte((length >> 8) | 0x80), byte(length)}
	} else if length < 0x200000 {
		lenBytes = []byte{byte((length >> 16) | 0xC0), byte(length >> 8), byte(length)}
	} else if length < 0x10000000 {
		lenBytes = []byte{byte((length >> 24) | 0xE0), byte(length >> 16), byte(length >> 8), byte(length)}
	} else {
		lenBytes = []byte{0xF0, byte(length >> 24), byte(length >> 16), byte(length >> 8), byte(length)}
	}

	if _, err := c.conn.Write(append(lenBytes, word...)); err != nil {
		return err
	}
	return nil
}

// readResponse reads words up to and including the sentence terminated by !done
func (c *Client) readResponse() ([]string, error) {
	var words []string
	gotDone := false

	for {
		word, err := c.readWord()
		if err != nil {
			if err == io.EOF && gotDone {
				break
			}
			return words, err
		}

		if word == "" {
			if gotDone {
				break
			}
			continue
		}

		words = append(words, word)
		if word == "!done" {
			gotDone = true
		}
	}

	return words, nil
}

func (c *Client) readWord() (string, error) {
	length, err := c.readLength()
	if err != nil {
		return "", err
	}
	if length == 0 {
		return "", nil
	}

	word := make([]byte, length)
	if _, err := io.ReadFull(c.conn, word); err != nil {
		return "", err
	}
	return string(word), nil
}

func (c *Client) readLength() (int, error) {
	b := make([]byte, 1)
	if _, err := io.ReadFull(c.conn, b); err != nil {
		return 0, err
	}
	first := b[0]

	var extra []byte
	switch {
	case first < 0x80:
		return int(first), nil
	case first < 0xC0:
		extra = make([]byte, 1)
	case first < 0xE0:
		extra = make([]byte, 2)
	case first < 0xF0:
		extra = make([]byte, 3)
	default:
		extra = make([]byte, 4)
	}
	if _, err := io.ReadFull(c.conn, extra); err != nil {
		return 0, err
	}

	var length int
	switch len(extra) {
	case 1:
		length = int(first&0x3F)<<8 | int(extra[0])
	case 2:
		length = int(first&0x1F)<<16 | int(extra[0])<<8 | int(extra[1])
	case 3:
		length = int(first&0x0F)<<24 | int(extra[0])<<16 | int(extra[1])<<8 | int(extra[2])
	default:
		length = int(extra[0])<<24 | int(extra[1])<<16 | int(extra[2])<<8 | int(extra[3])
	}
	return length, nil
}
