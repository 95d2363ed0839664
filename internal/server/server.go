package server

import (
	"bufio"
	"context"
	"crypto/subtle"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/go-catrate"
	"golang.org/x/sync/errgroup"

	"github.com/mtingers/dflistd/internal/broker"
	"github.com/mtingers/dflistd/internal/config"
	"github.com/mtingers/dflistd/internal/protocol"
	"github.com/mtingers/dflistd/internal/store"
)

// Per-peer budget for warning logs (protocol errors, failed auth).
var peerWarnRates = map[time.Duration]int{
	time.Minute: 10,
	time.Hour:   60,
}

type Server struct {
	store     *store.Store
	broker    *broker.Broker
	cfg       *config.Config
	log       *slog.Logger
	warnLimit *catrate.Limiter
	connSeq   atomic.Uint64
	connCount atomic.Int64
	conns     sync.Map // net.Conn → struct{}
}

func New(st *store.Store, b *broker.Broker, cfg *config.Config, log *slog.Logger) *Server {
	return &Server{
		store:     st,
		broker:    b,
		cfg:       cfg,
		log:       log,
		warnLimit: catrate.NewLimiter(peerWarnRates),
	}
}

func (s *Server) Run(ctx context.Context) error {
	hasCert := s.cfg.TLSCert != ""
	hasKey := s.cfg.TLSKey != ""
	if hasCert != hasKey {
		return fmt.Errorf("both --tls-cert and --tls-key must be provided together")
	}

	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	if hasCert {
		cert, err := tls.LoadX509KeyPair(s.cfg.TLSCert, s.cfg.TLSKey)
		if err != nil {
			listener.Close()
			return fmt.Errorf("tls: %w", err)
		}
		tlsCfg := &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}
		listener = tls.NewListener(listener, tlsCfg)
		s.log.Info("TLS enabled")
	}

	s.log.Info("listening", "addr", addr)
	return s.serve(ctx, listener)
}

// RunOnListener starts the server on a pre-existing listener (for testing).
func (s *Server) RunOnListener(ctx context.Context, listener net.Listener) error {
	s.log.Info("listening", "addr", listener.Addr())
	return s.serve(ctx, listener)
}

func (s *Server) serve(ctx context.Context, listener net.Listener) error {
	var conns sync.WaitGroup
	g, gctx := errgroup.WithContext(ctx)

	// Close listener on shutdown or when accepting fails for good.
	g.Go(func() error {
		<-gctx.Done()
		listener.Close()
		return nil
	})
	g.Go(func() error {
		return s.acceptLoop(gctx, listener, &conns)
	})

	err := g.Wait()
	s.drain(&conns)
	return err
}

func (s *Server) acceptLoop(ctx context.Context, listener net.Listener, conns *sync.WaitGroup) error {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("accept: %w", err)
			}
			s.log.Error("accept error", "err", err)
			continue
		}
		if max := s.cfg.MaxConnections; max > 0 && s.connCount.Load() >= int64(max) {
			s.log.Warn("max connections reached, rejecting", "max", max)
			conn.Close()
			continue
		}
		connID := s.connSeq.Add(1)
		conns.Add(1)
		go func() {
			defer conns.Done()
			s.handleConn(ctx, conn, connID)
		}()
	}
}

// drain waits for all connections to finish, force-closing them if the
// shutdown timeout expires.
func (s *Server) drain(wg *sync.WaitGroup) {
	s.log.Info("shutting down, draining connections")

	if s.cfg.ShutdownTimeout <= 0 {
		wg.Wait()
		return
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-time.After(s.cfg.ShutdownTimeout):
		s.log.Warn("shutdown timeout reached, force-closing connections")
		s.conns.Range(func(key, _ any) bool {
			if c, ok := key.(net.Conn); ok {
				c.Close()
			}
			return true
		})
		wg.Wait()
	}
}

func (s *Server) writeResponse(conn net.Conn, ack *protocol.Ack) error {
	if s.cfg.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	}
	_, err := conn.Write(protocol.FormatResponse(ack))
	if s.cfg.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Time{})
	}
	return err
}

// warnPeer logs a warning unless peer's host has used up its log budget.
func (s *Server) warnPeer(peer, msg string, args ...any) {
	host, _, err := net.SplitHostPort(peer)
	if err != nil {
		host = peer
	}
	if _, ok := s.warnLimit.Allow(host); !ok {
		return
	}
	s.log.Warn(msg, append([]any{"peer", peer}, args...)...)
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn, connID uint64) {
	peer := conn.RemoteAddr().String()
	s.log.Debug("client connected", "peer", peer, "conn_id", connID)
	s.connCount.Add(1)
	s.conns.Store(conn, struct{}{})

	// Cancelled on server shutdown so blocking pops return promptly.
	connCtx, connCancel := context.WithCancel(ctx)

	defer func() {
		connCancel()
		s.conns.Delete(conn)
		s.connCount.Add(-1)
		s.broker.NotifySessionClosed(connID)
		conn.Close()
		s.log.Debug("client closed", "peer", peer, "conn_id", connID)
	}()

	reader := bufio.NewReader(conn)

	if s.cfg.AuthToken != "" {
		req, err := protocol.ReadRequest(reader, s.cfg.ReadTimeout, conn)
		if err != nil || req.Cmd != "auth" ||
			subtle.ConstantTimeCompare([]byte(req.Token), []byte(s.cfg.AuthToken)) != 1 {
			s.warnPeer(peer, "auth failed", "conn_id", connID)
			s.writeResponse(conn, &protocol.Ack{Status: "error_auth"})
			// Small delay to slow down brute-force attempts.
			time.Sleep(100 * time.Millisecond)
			return
		}
		s.writeResponse(conn, &protocol.Ack{Status: "ok"})
	}

	for {
		req, err := protocol.ReadRequest(reader, s.cfg.ReadTimeout, conn)
		if err != nil {
			var pe *protocol.ProtocolError
			if errors.As(err, &pe) {
				if pe.Code == 11 {
					break
				}
				s.warnPeer(peer, "protocol error", "conn_id", connID, "code", pe.Code, "msg", pe.Message)
				if err := s.writeResponse(conn, &protocol.Ack{Status: "error"}); err != nil {
					s.log.Debug("write error, disconnecting", "peer", peer, "err", err)
					break
				}
				// Read-level errors (timeout, line too long) may have
				// desynchronized the stream. Parse-level errors consumed
				// all three lines and are safe to continue from.
				if pe.Code == 10 || pe.Code == 12 {
					break
				}
				continue
			}
			s.log.Error("read error", "peer", peer, "err", err)
			break
		}

		var ack *protocol.Ack
		if req.Cmd == "blpop" || req.Cmd == "brpop" {
			ack = s.blockingPop(connCtx, conn, reader, req, connID)
		} else {
			ack = s.handleRequest(connCtx, req, connID)
		}
		if err := s.writeResponse(conn, ack); err != nil {
			s.log.Debug("write error, disconnecting", "peer", peer, "err", err)
			break
		}
	}
}

// blockingPop runs a blpop/brpop. While it waits, a watcher peeks at the
// connection so a client that hangs up abandons its wait instead of holding
// a waiter slot until the timeout.
func (s *Server) blockingPop(ctx context.Context, conn net.Conn, reader *bufio.Reader, req *protocol.Request, connID uint64) *protocol.Ack {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	conn.SetReadDeadline(time.Time{})
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		// Pipelined requests stay buffered for after the pop; keep peeking
		// past them so a hang-up behind them is still seen. Once the buffer
		// is full only the pop's own timeout ends the wait.
		for n := reader.Buffered() + 1; n <= reader.Size(); n = reader.Buffered() + 1 {
			_, err := reader.Peek(n)
			if err == nil {
				continue
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return
			}
			s.broker.NotifySessionClosed(connID)
			cancel()
			return
		}
	}()

	op := store.OpPopHead
	if req.Cmd == "brpop" {
		op = store.OpPopTail
	}
	res, err := s.broker.WaitForItem(waitCtx, req.Keys, store.KindList, op, connID, req.Timeout)

	// Unblock the watcher before handing the reader back.
	conn.SetReadDeadline(time.Now())
	<-watchDone

	if err != nil {
		return s.errAck(req, connID, err)
	}
	if !res.Found {
		return &protocol.Ack{Status: "timeout"}
	}
	return &protocol.Ack{Status: "ok", Extra: res.Key + " " + string(res.Item)}
}

type statsReply struct {
	Connections int64         `json:"connections"`
	Store       *store.Stats  `json:"store"`
	Broker      *broker.Stats `json:"broker"`
}

func (s *Server) errAck(req *protocol.Request, connID uint64, err error) *protocol.Ack {
	switch {
	case errors.Is(err, store.ErrWrongType):
		return &protocol.Ack{Status: "error_wrong_type"}
	case errors.Is(err, store.ErrListFull):
		return &protocol.Ack{Status: "error_list_full"}
	case errors.Is(err, store.ErrMaxKeys):
		return &protocol.Ack{Status: "error_max_keys"}
	case errors.Is(err, broker.ErrTooManyKeys):
		return &protocol.Ack{Status: "error_too_many_keys"}
	}
	s.log.Debug("request failed", "cmd", req.Cmd, "key", req.Key, "conn_id", connID, "err", err)
	return &protocol.Ack{Status: "error"}
}

func okInt(n int) *protocol.Ack {
	return &protocol.Ack{Status: "ok", Extra: strconv.Itoa(n)}
}

func okBool(b bool) *protocol.Ack {
	if b {
		return okInt(1)
	}
	return okInt(0)
}

func (s *Server) handleRequest(ctx context.Context, req *protocol.Request, connID uint64) *protocol.Ack {
	s.log.Debug("request", "conn_id", connID, "cmd", req.Cmd, "key", req.Key)

	switch req.Cmd {
	case "auth":
		// Already authenticated, or auth disabled.
		return &protocol.Ack{Status: "ok"}

	case "stats":
		st := &statsReply{
			Connections: s.connCount.Load(),
			Store:       s.store.Stats(),
			Broker:      s.broker.Stats(ctx),
		}
		data, err := json.Marshal(st)
		if err != nil {
			return &protocol.Ack{Status: "error"}
		}
		return &protocol.Ack{Status: "ok", Extra: string(data)}

	case "lpush", "rpush":
		n, err := s.store.Push(req.Key, req.Cmd == "lpush", []byte(req.Value))
		if err != nil {
			return s.errAck(req, connID, err)
		}
		return okInt(n)

	case "lpop", "rpop":
		v, ok, err := s.store.Pop(req.Key, req.Cmd == "lpop")
		if err != nil {
			return s.errAck(req, connID, err)
		}
		if !ok {
			return &protocol.Ack{Status: "nil"}
		}
		return &protocol.Ack{Status: "ok", Extra: string(v)}

	case "llen":
		n, err := s.store.LLen(req.Key)
		if err != nil {
			return s.errAck(req, connID, err)
		}
		return okInt(n)

	case "lrange":
		items, err := s.store.LRange(req.Key, req.Start, req.Stop)
		if err != nil {
			return s.errAck(req, connID, err)
		}
		out := make([]string, len(items))
		for i, it := range items {
			out[i] = string(it)
		}
		data, err := json.Marshal(out)
		if err != nil {
			return &protocol.Ack{Status: "error"}
		}
		return &protocol.Ack{Status: "ok", Extra: string(data)}

	case "zadd":
		added, err := s.store.ZAdd(req.Key, req.Score, req.Member)
		if err != nil {
			return s.errAck(req, connID, err)
		}
		return okBool(added)

	case "zrem":
		removed, err := s.store.ZRem(req.Key, req.Member)
		if err != nil {
			return s.errAck(req, connID, err)
		}
		return okBool(removed)

	case "zscore":
		score, found, err := s.store.ZScore(req.Key, req.Member)
		if err != nil {
			return s.errAck(req, connID, err)
		}
		if !found {
			return &protocol.Ack{Status: "nil"}
		}
		return &protocol.Ack{Status: "ok", Extra: strconv.FormatFloat(score, 'g', -1, 64)}

	case "zcard":
		n, err := s.store.ZCard(req.Key)
		if err != nil {
			return s.errAck(req, connID, err)
		}
		return okInt(n)

	case "del":
		return okBool(s.store.Del(req.Key))

	case "type":
		return &protocol.Ack{Status: "ok", Extra: s.store.Type(req.Key).String()}
	}

	s.log.Warn("unknown command in handleRequest", "cmd", req.Cmd, "conn_id", connID)
	return &protocol.Ack{Status: "error"}
}
