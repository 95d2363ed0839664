package protocol

import (
	"bufio"
	"fmt"
	"math"
	"net"
	"strconv"
	"strings"
	"time"
)

// MaxLineBytes bounds a single request line. Values travel on the arg line,
// so this is also the largest pushable item.
const MaxLineBytes = 64 * 1024

type ProtocolError struct {
	Code    int
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error %d: %s", e.Code, e.Message)
}

type Request struct {
	Cmd     string
	Key     string
	Keys    []string // blpop, brpop
	Value   string   // lpush, rpush
	Timeout time.Duration
	Start   int
	Stop    int
	Score   float64
	Member  string
	Token   string
}

type Ack struct {
	Status string // "ok", "nil", "timeout", "error", "error_wrong_type", ...
	Extra  string
}

func ReadLine(r *bufio.Reader, timeout time.Duration, conn net.Conn) (string, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return "", &ProtocolError{Code: 10, Message: "failed to set deadline"}
	}
	line, err := r.ReadString('\n')
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return "", &ProtocolError{Code: 10, Message: "read timeout"}
		}
		return "", &ProtocolError{Code: 11, Message: "client disconnected"}
	}
	if len(line) > MaxLineBytes+1 { // +1 for the \n
		return "", &ProtocolError{Code: 12, Message: "line too long"}
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func parseInt(s string, what string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, &ProtocolError{Code: 4, Message: fmt.Sprintf("invalid %s: %q", what, s)}
	}
	return n, nil
}

func parseFloat(s string, what string) (float64, error) {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, &ProtocolError{Code: 4, Message: fmt.Sprintf("invalid %s: %q", what, s)}
	}
	return f, nil
}

// parseTimeout reads a blocking timeout in (possibly fractional) seconds.
// Zero means wait indefinitely.
func parseTimeout(s string) (time.Duration, error) {
	secs, err := parseFloat(strings.TrimSpace(s), "timeout")
	if err != nil {
		return 0, err
	}
	if secs < 0 {
		return 0, &ProtocolError{Code: 6, Message: "timeout must be >= 0"}
	}
	if secs > math.MaxInt64/float64(time.Second) {
		return 0, &ProtocolError{Code: 6, Message: "timeout too large"}
	}
	return time.Duration(secs * float64(time.Second)), nil
}

func checkKey(key string) error {
	if key == "" {
		return &ProtocolError{Code: 5, Message: "empty key"}
	}
	if strings.ContainsAny(key, " \t") {
		return &ProtocolError{Code: 5, Message: "key contains whitespace"}
	}
	return nil
}

// ReadRequest reads one three-line request: command, key, argument.
func ReadRequest(r *bufio.Reader, timeout time.Duration, conn net.Conn) (*Request, error) {
	cmd, err := ReadLine(r, timeout, conn)
	if err != nil {
		return nil, err
	}
	key, err := ReadLine(r, timeout, conn)
	if err != nil {
		return nil, err
	}
	arg, err := ReadLine(r, timeout, conn)
	if err != nil {
		return nil, err
	}
	return ParseRequest(cmd, key, arg)
}

// ParseRequest validates the three request lines.
func ParseRequest(cmd, key, arg string) (*Request, error) {
	switch cmd {
	case "auth", "stats":
		return &Request{Cmd: cmd, Key: key, Token: strings.TrimSpace(arg)}, nil

	case "blpop", "brpop":
		keys := strings.Fields(key)
		if len(keys) == 0 {
			return nil, &ProtocolError{Code: 5, Message: "empty key"}
		}
		if strings.TrimSpace(arg) == "" {
			return nil, &ProtocolError{Code: 8, Message: cmd + " arg must be: <timeout>"}
		}
		timeout, err := parseTimeout(arg)
		if err != nil {
			return nil, err
		}
		return &Request{Cmd: cmd, Key: keys[0], Keys: keys, Timeout: timeout}, nil

	case "lpush", "rpush", "lpop", "rpop", "llen", "lrange",
		"zadd", "zrem", "zscore", "zcard", "del", "type":
	default:
		return nil, &ProtocolError{Code: 3, Message: fmt.Sprintf("invalid cmd %q", cmd)}
	}

	if err := checkKey(key); err != nil {
		return nil, err
	}
	req := &Request{Cmd: cmd, Key: key}

	var err error
	switch cmd {
	case "lpush", "rpush":
		if arg == "" {
			return nil, &ProtocolError{Code: 8, Message: cmd + " arg must be: <value>"}
		}
		req.Value = arg

	case "lrange":
		parts := strings.Fields(arg)
		if len(parts) != 2 {
			return nil, &ProtocolError{Code: 8, Message: "lrange arg must be: <start> <stop>"}
		}
		if req.Start, err = parseInt(parts[0], "start"); err != nil {
			return nil, err
		}
		if req.Stop, err = parseInt(parts[1], "stop"); err != nil {
			return nil, err
		}

	case "zadd":
		score, member, ok := strings.Cut(strings.TrimSpace(arg), " ")
		if !ok || strings.TrimSpace(member) == "" {
			return nil, &ProtocolError{Code: 8, Message: "zadd arg must be: <score> <member>"}
		}
		if req.Score, err = parseFloat(score, "score"); err != nil {
			return nil, err
		}
		req.Member = strings.TrimSpace(member)

	case "zrem", "zscore":
		req.Member = strings.TrimSpace(arg)
		if req.Member == "" {
			return nil, &ProtocolError{Code: 8, Message: cmd + " arg must be: <member>"}
		}
	}
	return req, nil
}

func FormatResponse(ack *Ack) []byte {
	if ack.Extra != "" {
		return []byte(ack.Status + " " + ack.Extra + "\n")
	}
	return []byte(ack.Status + "\n")
}
