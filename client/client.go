// Package client provides a Go client for the dflistd list server.
package client

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Sentinel errors returned by protocol operations.
var (
	ErrTimeout     = errors.New("dflistd: timeout")
	ErrNotFound    = errors.New("dflistd: not found")
	ErrWrongType   = errors.New("dflistd: wrong type")
	ErrListFull    = errors.New("dflistd: list full")
	ErrMaxKeys     = errors.New("dflistd: max keys reached")
	ErrTooManyKeys = errors.New("dflistd: too many keys")
	ErrAuth        = errors.New("dflistd: authentication failed")
	ErrServer      = errors.New("dflistd: server error")
)

// statusErrors maps server error statuses to sentinels.
var statusErrors = map[string]error{
	"error_wrong_type":    ErrWrongType,
	"error_list_full":     ErrListFull,
	"error_max_keys":      ErrMaxKeys,
	"error_too_many_keys": ErrTooManyKeys,
	"error_auth":          ErrAuth,
}

// ---------------------------------------------------------------------------
// Conn: thin wrapper around net.Conn with a buffered reader
// ---------------------------------------------------------------------------

// DefaultDialTimeout is the default timeout for establishing a TCP connection.
const DefaultDialTimeout = 10 * time.Second

// defaultKeepAlive is the interval between TCP keepalive probes.
const defaultKeepAlive = 30 * time.Second

// Conn wraps a TCP connection to a dflistd server, providing a buffered reader
// for line-oriented protocol communication. Conn is safe for concurrent use;
// a mutex serializes request/response pairs, so a blocking pop holds the
// connection until it returns.
type Conn struct {
	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
}

// Dial connects to a dflistd server at the given address (host:port).
// Uses DefaultDialTimeout and enables TCP keepalive.
func Dial(addr string) (*Conn, error) {
	dialer := &net.Dialer{
		Timeout:   DefaultDialTimeout,
		KeepAlive: defaultKeepAlive,
	}
	conn, err := dialer.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Conn{conn: conn, reader: bufio.NewReader(conn)}, nil
}

// DialTLS connects to a dflistd server at the given address using TLS.
// Uses DefaultDialTimeout and enables TCP keepalive.
func DialTLS(addr string, cfg *tls.Config) (*Conn, error) {
	dialer := &net.Dialer{
		Timeout:   DefaultDialTimeout,
		KeepAlive: defaultKeepAlive,
	}
	conn, err := tls.DialWithDialer(dialer, "tcp", addr, cfg)
	if err != nil {
		return nil, err
	}
	return &Conn{conn: conn, reader: bufio.NewReader(conn)}, nil
}

// Close closes the underlying connection. It is safe to call concurrently
// with a pending request; closing unblocks it, and the server abandons any
// blocking pop the connection was waiting in.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// maxResponseBytes is the maximum length of a single server response line.
// Values are bounded by the server's request line limit, but lrange and
// stats return JSON that can be larger.
const maxResponseBytes = 1 << 20

// sendRecv sends a 3-line protocol command and reads one response line.
func (c *Conn) sendRecv(cmd, key, arg string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg := fmt.Sprintf("%s\n%s\n%s\n", cmd, key, arg)
	if _, err := c.conn.Write([]byte(msg)); err != nil {
		return "", err
	}
	return c.readLine()
}

// readLine reads a single newline-terminated line, enforcing maxResponseBytes
// to prevent unbounded memory allocation from a malicious server.
// Must be called with c.mu held.
func (c *Conn) readLine() (string, error) {
	var buf []byte
	for {
		b, err := c.reader.ReadByte()
		if err != nil {
			return "", err
		}
		if b == '\n' {
			break
		}
		if len(buf) >= maxResponseBytes {
			// Drain the rest of the oversized line to keep the
			// reader in a consistent state for subsequent reads.
			for {
				d, err := c.reader.ReadByte()
				if err != nil || d == '\n' {
					break
				}
			}
			return "", fmt.Errorf("dflistd: server response too long")
		}
		buf = append(buf, b)
	}
	return strings.TrimRight(string(buf), "\r"), nil
}

// ---------------------------------------------------------------------------
// Authentication
// ---------------------------------------------------------------------------

// Authenticate sends an auth command with the given token. Returns nil on
// success, ErrAuth if the server rejects the token.
func Authenticate(c *Conn, token string) error {
	if token == "" {
		return fmt.Errorf("dflistd: empty auth token")
	}
	if err := validateArg("token", token); err != nil {
		return err
	}
	resp, err := c.sendRecv("auth", "_", token)
	if err != nil {
		return err
	}
	if resp != "ok" {
		return ErrAuth
	}
	return nil
}

// validateKey checks that a key is non-empty and contains no whitespace.
// This mirrors the server-side validation and gives immediate feedback
// instead of a protocol-level rejection.
func validateKey(key string) error {
	if key == "" {
		return fmt.Errorf("dflistd: empty key")
	}
	if strings.ContainsAny(key, " \t\n\r") {
		return fmt.Errorf("dflistd: key contains whitespace")
	}
	return nil
}

func validateValue(value string) error {
	if value == "" {
		return fmt.Errorf("dflistd: empty value")
	}
	if strings.ContainsAny(value, "\n\r") {
		return fmt.Errorf("dflistd: value contains newline")
	}
	return nil
}

// validateArg checks that a protocol argument does not contain newlines,
// which would inject extra protocol lines.
func validateArg(name, value string) error {
	if strings.ContainsAny(value, "\n\r") {
		return fmt.Errorf("dflistd: %s contains newline", name)
	}
	return nil
}

// formatTimeout renders a blocking timeout as fractional seconds. Zero or
// negative means wait indefinitely.
func formatTimeout(d time.Duration) string {
	if d <= 0 {
		return "0"
	}
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64)
}

// ---------------------------------------------------------------------------
// Response parsing helpers
// ---------------------------------------------------------------------------

func statusError(resp, cmd string) error {
	if err, ok := statusErrors[resp]; ok {
		return err
	}
	return fmt.Errorf("%w: %s: %s", ErrServer, cmd, resp)
}

func parseOKInt(resp, cmd string) (int, error) {
	parts := strings.Fields(resp)
	if len(parts) == 2 && parts[0] == "ok" {
		n, err := strconv.Atoi(parts[1])
		if err != nil {
			return 0, fmt.Errorf("%w: %s: bad value %q", ErrServer, cmd, parts[1])
		}
		return n, nil
	}
	return 0, statusError(resp, cmd)
}

func parseOKBool(resp, cmd string) (bool, error) {
	n, err := parseOKInt(resp, cmd)
	return n == 1, err
}

// parseOKValue handles "ok <value>" and "nil" responses. Values may contain
// spaces, so everything after the status is returned.
func parseOKValue(resp, cmd string) (string, error) {
	if resp == "nil" {
		return "", ErrNotFound
	}
	if v, ok := strings.CutPrefix(resp, "ok "); ok {
		return v, nil
	}
	return "", statusError(resp, cmd)
}

// ---------------------------------------------------------------------------
// Lists
// ---------------------------------------------------------------------------

func push(c *Conn, cmd, key, value string) (int, error) {
	if err := validateKey(key); err != nil {
		return 0, err
	}
	if err := validateValue(value); err != nil {
		return 0, err
	}
	resp, err := c.sendRecv(cmd, key, value)
	if err != nil {
		return 0, err
	}
	return parseOKInt(resp, cmd)
}

// LPush prepends a value to a list and returns the new length.
func LPush(c *Conn, key, value string) (int, error) {
	return push(c, "lpush", key, value)
}

// RPush appends a value to a list and returns the new length.
func RPush(c *Conn, key, value string) (int, error) {
	return push(c, "rpush", key, value)
}

func pop(c *Conn, cmd, key string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	resp, err := c.sendRecv(cmd, key, "")
	if err != nil {
		return "", err
	}
	return parseOKValue(resp, cmd)
}

// LPop removes and returns the first element. Returns ErrNotFound if empty.
func LPop(c *Conn, key string) (string, error) {
	return pop(c, "lpop", key)
}

// RPop removes and returns the last element. Returns ErrNotFound if empty.
func RPop(c *Conn, key string) (string, error) {
	return pop(c, "rpop", key)
}

// LLen returns the length of a list (0 if nonexistent).
func LLen(c *Conn, key string) (int, error) {
	if err := validateKey(key); err != nil {
		return 0, err
	}
	resp, err := c.sendRecv("llen", key, "")
	if err != nil {
		return 0, err
	}
	return parseOKInt(resp, "llen")
}

// LRange returns a range of elements from a list.
// Uses Redis-like index semantics (0-based, negative from end, inclusive).
func LRange(c *Conn, key string, start, stop int) ([]string, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	arg := strconv.Itoa(start) + " " + strconv.Itoa(stop)
	resp, err := c.sendRecv("lrange", key, arg)
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(resp, "ok ") {
		return nil, statusError(resp, "lrange")
	}
	var items []string
	if err := json.Unmarshal([]byte(resp[3:]), &items); err != nil {
		return nil, fmt.Errorf("%w: lrange: bad json: %v", ErrServer, err)
	}
	return items, nil
}

func blockingPop(c *Conn, cmd string, keys []string, timeout time.Duration) (key, value string, err error) {
	if len(keys) == 0 {
		return "", "", fmt.Errorf("dflistd: no keys")
	}
	for _, k := range keys {
		if err := validateKey(k); err != nil {
			return "", "", err
		}
	}
	resp, err := c.sendRecv(cmd, strings.Join(keys, " "), formatTimeout(timeout))
	if err != nil {
		return "", "", err
	}
	if resp == "timeout" {
		return "", "", ErrTimeout
	}
	rest, ok := strings.CutPrefix(resp, "ok ")
	if !ok {
		return "", "", statusError(resp, cmd)
	}
	key, value, ok = strings.Cut(rest, " ")
	if !ok {
		return "", "", fmt.Errorf("%w: %s: malformed response %q", ErrServer, cmd, resp)
	}
	return key, value, nil
}

// BLPop removes and returns the first element of the first non-empty list
// among keys, blocking until one is available or timeout expires. A zero
// timeout blocks indefinitely. Returns ErrTimeout if nothing arrived.
func BLPop(c *Conn, keys []string, timeout time.Duration) (key, value string, err error) {
	return blockingPop(c, "blpop", keys, timeout)
}

// BRPop is BLPop taking from the tail.
func BRPop(c *Conn, keys []string, timeout time.Duration) (key, value string, err error) {
	return blockingPop(c, "brpop", keys, timeout)
}

// ---------------------------------------------------------------------------
// Sorted sets
// ---------------------------------------------------------------------------

func validateMember(member string) error {
	if strings.TrimSpace(member) == "" {
		return fmt.Errorf("dflistd: empty member")
	}
	return validateArg("member", member)
}

// ZAdd sets member's score, reporting whether member is new.
func ZAdd(c *Conn, key string, score float64, member string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	if err := validateMember(member); err != nil {
		return false, err
	}
	arg := strconv.FormatFloat(score, 'g', -1, 64) + " " + member
	resp, err := c.sendRecv("zadd", key, arg)
	if err != nil {
		return false, err
	}
	return parseOKBool(resp, "zadd")
}

// ZRem removes member, reporting whether it was present.
func ZRem(c *Conn, key, member string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	if err := validateMember(member); err != nil {
		return false, err
	}
	resp, err := c.sendRecv("zrem", key, member)
	if err != nil {
		return false, err
	}
	return parseOKBool(resp, "zrem")
}

// ZScore returns member's score. Returns ErrNotFound if absent.
func ZScore(c *Conn, key, member string) (float64, error) {
	if err := validateKey(key); err != nil {
		return 0, err
	}
	if err := validateMember(member); err != nil {
		return 0, err
	}
	resp, err := c.sendRecv("zscore", key, member)
	if err != nil {
		return 0, err
	}
	v, err := parseOKValue(resp, "zscore")
	if err != nil {
		return 0, err
	}
	score, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: zscore: bad value %q", ErrServer, v)
	}
	return score, nil
}

// ZCard returns the number of members (0 if nonexistent).
func ZCard(c *Conn, key string) (int, error) {
	if err := validateKey(key); err != nil {
		return 0, err
	}
	resp, err := c.sendRecv("zcard", key, "")
	if err != nil {
		return 0, err
	}
	return parseOKInt(resp, "zcard")
}

// ---------------------------------------------------------------------------
// Keys
// ---------------------------------------------------------------------------

// Del removes a key of any type, reporting whether it existed.
func Del(c *Conn, key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	resp, err := c.sendRecv("del", key, "")
	if err != nil {
		return false, err
	}
	return parseOKBool(resp, "del")
}

// Type returns "list", "zset" or "none".
func Type(c *Conn, key string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	resp, err := c.sendRecv("type", key, "")
	if err != nil {
		return "", err
	}
	return parseOKValue(resp, "type")
}

// KeyWaiters is the number of clients blocked on one key.
type KeyWaiters struct {
	Key     string `json:"key"`
	Waiters int    `json:"waiters"`
}

// Stats is the server's stats response.
type Stats struct {
	Connections int64 `json:"connections"`
	Store       struct {
		Keys       int `json:"keys"`
		Lists      int `json:"lists"`
		SortedSets int `json:"sorted_sets"`
		Bytes      int `json:"bytes"`
	} `json:"store"`
	Broker struct {
		Running   bool         `json:"running"`
		Waiting   int          `json:"waiting"`
		Keys      []KeyWaiters `json:"keys"`
		Stale     int          `json:"stale"`
		Pending   int          `json:"pending_events"`
		Starts    uint64       `json:"loop_starts"`
		Delivered uint64       `json:"delivered"`
		Expired   uint64       `json:"expired"`
		Swept     uint64       `json:"swept"`
	} `json:"broker"`
}

// GetStats fetches server statistics.
func GetStats(c *Conn) (*Stats, error) {
	resp, err := c.sendRecv("stats", "_", "")
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(resp, "ok ") {
		return nil, statusError(resp, "stats")
	}
	st := &Stats{}
	if err := json.Unmarshal([]byte(resp[3:]), st); err != nil {
		return nil, fmt.Errorf("%w: stats: bad json: %v", ErrServer, err)
	}
	return st, nil
}

// ---------------------------------------------------------------------------
// Sharding
// ---------------------------------------------------------------------------

// ShardFunc maps a key to a server index given the number of servers.
type ShardFunc func(key string, numServers int) int

// CRC32Shard returns a shard index using CRC-32 (IEEE).
// Returns 0 if numServers <= 0.
func CRC32Shard(key string, numServers int) int {
	if numServers <= 0 {
		return 0
	}
	h := crc32.ChecksumIEEE([]byte(key))
	return int(h % uint32(numServers))
}

// ---------------------------------------------------------------------------
// Queue: high-level work queue on one list
// ---------------------------------------------------------------------------

// Queue is a FIFO work queue backed by the list at Key. Producers Push to
// the tail and consumers Pop from the head, blocking until work arrives.
// A Queue holds one connection, and a Pop occupies it until it returns, so
// use separate Queues for a producer and a consumer running concurrently.
type Queue struct {
	Key         string
	Servers     []string      // e.g. ["127.0.0.1:6390"]
	ShardFunc   ShardFunc     // defaults to CRC32Shard
	PollTimeout time.Duration // server-side wait per Pop; 0 = until ctx is done
	TLSConfig   *tls.Config   // if non-nil, connect using TLS
	AuthToken   string        // if non-empty, authenticate after connecting

	mu   sync.Mutex
	conn *Conn
}

func (q *Queue) shardFunc() ShardFunc {
	if q.ShardFunc != nil {
		return q.ShardFunc
	}
	return CRC32Shard
}

func (q *Queue) serverAddr() string {
	servers := q.Servers
	if len(servers) == 0 {
		servers = []string{"127.0.0.1:6390"}
	}
	return servers[q.shardFunc()(q.Key, len(servers))]
}

// closeConn closes the connection if non-nil and sets it to nil.
// Must be called with q.mu held.
func (q *Queue) closeConn() {
	if q.conn != nil {
		q.conn.Close()
		q.conn = nil
	}
}

// connLocked returns the open connection, dialing the shard server first
// if needed. Must be called with q.mu held.
func (q *Queue) connLocked() (*Conn, error) {
	if q.conn != nil {
		return q.conn, nil
	}
	addr := q.serverAddr()
	var conn *Conn
	var err error
	if q.TLSConfig != nil {
		conn, err = DialTLS(addr, q.TLSConfig)
	} else {
		conn, err = Dial(addr)
	}
	if err != nil {
		return nil, err
	}
	if q.AuthToken != "" {
		if err := Authenticate(conn, q.AuthToken); err != nil {
			conn.Close()
			return nil, err
		}
	}
	q.conn = conn
	return conn, nil
}

// Push appends value to the queue and returns the new length.
func (q *Queue) Push(value string) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	conn, err := q.connLocked()
	if err != nil {
		return 0, err
	}
	n, err := RPush(conn, q.Key, value)
	if err != nil && !isStatus(err) {
		q.closeConn()
	}
	return n, err
}

// Pop removes and returns the item at the head of the queue, blocking until
// one arrives. It returns ErrTimeout if PollTimeout passes first. If ctx is
// cancelled the connection is closed, which makes the server abandon the
// wait; an item that was already handed out is still returned.
func (q *Queue) Pop(ctx context.Context) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return "", err
	}
	conn, err := q.connLocked()
	if err != nil {
		return "", err
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	_, value, err := BLPop(conn, []string{q.Key}, q.PollTimeout)
	close(done)

	if err != nil {
		if errors.Is(err, ErrTimeout) {
			return "", err
		}
		q.closeConn()
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", err
	}
	if ctx.Err() != nil {
		// The cancel goroutine may have closed conn already.
		q.closeConn()
	}
	return value, nil
}

// Len returns the number of queued items.
func (q *Queue) Len() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	conn, err := q.connLocked()
	if err != nil {
		return 0, err
	}
	n, err := LLen(conn, q.Key)
	if err != nil && !isStatus(err) {
		q.closeConn()
	}
	return n, err
}

// Close closes the queue's connection, if any.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closeConn()
	return nil
}

// isStatus reports whether err is a server status, after which the
// connection is still usable.
func isStatus(err error) bool {
	if errors.Is(err, ErrServer) {
		return true
	}
	for _, e := range statusErrors {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}
