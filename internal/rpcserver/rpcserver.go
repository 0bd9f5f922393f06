// Package rpcserver is the peripheral JSON-RPC-over-TCP and WebSocket
// listener (spec.md §6): line-delimited JSON-RPC 2.0 on one port, text-
// frame WebSocket on another, both dispatching into the same method
// table backed by internal/query, internal/mempool, internal/headerchain
// and internal/subscribe. Out of spec.md's core scope (§1 lists the wire
// framer and WebSocket upgrade as external collaborators); kept
// deliberately thin, but wired to real deps the way the rest of the
// module is rather than left unimplemented.
package rpcserver

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/unrolled/secure"

	"github.com/BitcoinUnlimited/ElectrsCash/internal/chainhash"
	"github.com/BitcoinUnlimited/ElectrsCash/internal/config"
	"github.com/BitcoinUnlimited/ElectrsCash/internal/headerchain"
	"github.com/BitcoinUnlimited/ElectrsCash/internal/mempool"
	"github.com/BitcoinUnlimited/ElectrsCash/internal/metrics"
	"github.com/BitcoinUnlimited/ElectrsCash/internal/query"
	"github.com/BitcoinUnlimited/ElectrsCash/internal/subscribe"
)

// Daemon is the subset of rpcclient.Client the peripheral methods
// (broadcast, fee estimation) need directly, rather than through Query.
type Daemon interface {
	Broadcast(rawTx []byte) (chainhash.Hash, error)
	EstimateRelayFee() (float64, error)
}

// Server dispatches JSON-RPC 2.0 requests from both TCP and WebSocket
// listeners into the shared method table, enforcing connection admission
// (spec §5 "Connection admission").
type Server struct {
	cfg     config.Config
	query   *query.Query
	chain   *headerchain.Chain
	mempool *mempool.Mempool
	subs    *subscribe.Manager
	daemon  Daemon
	metrics *metrics.Metrics
	log     *logrus.Entry

	admit *admission
}

func New(cfg config.Config, q *query.Query, chain *headerchain.Chain, mp *mempool.Mempool, subs *subscribe.Manager, daemon Daemon, m *metrics.Metrics) *Server {
	return &Server{
		cfg:     cfg,
		query:   q,
		chain:   chain,
		mempool: mp,
		subs:    subs,
		daemon:  daemon,
		metrics: m,
		log:     logrus.WithField("component", "rpcserver"),
		admit:   newAdmission(cfg.RPCMaxConnections, cfg.RPCMaxConnectionsSharedPrefix, m),
	}
}

// session is one connection's dispatch + notification-delivery context.
type session struct {
	id      string
	writeMu sync.Mutex
	write   func([]byte) error
	conn    *subscribe.Connection
}

func (s *session) writeMessage(v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.write(b)
}

// ListenAndServeTCP accepts line-delimited JSON-RPC connections until ctx
// is canceled.
func (s *Server) ListenAndServeTCP(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.RPCBindAddr, itoa(s.cfg.RPCPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.log.WithField("addr", addr).Info("listening for TCP JSON-RPC")
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go s.serveTCPConn(ctx, conn)
	}
}

func (s *Server) serveTCPConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	remote, _ := hostOnly(conn.RemoteAddr().String())
	connID := conn.RemoteAddr().String() + "#" + remote
	if !s.admit.accept(remote) {
		return
	}
	defer s.admit.release(remote)

	subConn := s.subs.Register(connID, subscribe.Limits{
		RPCBufferSize:               s.cfg.RPCBufferSize,
		ScripthashSubscriptionLimit: s.cfg.ScripthashSubscriptionLimit,
		ScripthashAliasBytesLimit:   s.cfg.ScripthashAliasBytesLimit,
	})
	defer s.subs.Unregister(connID)

	sess := &session{
		id:   connID,
		conn: subConn,
		write: func(b []byte) error {
			_, err := conn.Write(append(b, '\n'))
			return err
		},
	}

	notifyDone := make(chan struct{})
	go s.pumpNotifications(ctx, sess, notifyDone)
	defer close(notifyDone)

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		resp := s.dispatch(ctx, sess, line)
		if resp != nil {
			_ = sess.writeMessage(resp)
		}
	}
}

// pumpNotifications drains a session's coalesced pending notifications on
// a short poll interval and writes each as a JSON-RPC notification (spec
// §4.9). A poll rather than a condition variable keeps
// internal/subscribe free of any per-connection wakeup channel, at the
// cost of up to one poll interval of added latency — acceptable for this
// peripheral layer.
func (s *Server) pumpNotifications(ctx context.Context, sess *session, done <-chan struct{}) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			for {
				n, ok := sess.conn.Pop()
				if !ok {
					break
				}
				msg := notification{
					JSONRPC: "2.0",
					Method:  "blockchain.scripthash.subscribe",
					Params:  []interface{}{chainhash.HexBE(n.ScriptHash), chainhash.HexBE(n.StatusHash)},
				}
				if err := sess.writeMessage(msg); err != nil {
					return
				}
			}
		}
	}
}

// ListenAndServeWS accepts WebSocket connections carrying the same
// JSON-RPC 2.0 text-frame protocol.
func (s *Server) ListenAndServeWS(ctx context.Context) error {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.serveWSConn(ctx, conn)
	})

	srv := &http.Server{
		Addr:    net.JoinHostPort(s.cfg.RPCBindAddr, itoa(s.cfg.WSPort)),
		Handler: secureMiddleware().Handler(mux),
	}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	s.log.WithField("addr", srv.Addr).Info("listening for WebSocket JSON-RPC")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) serveWSConn(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()

	remote, _ := hostOnly(conn.RemoteAddr().String())
	connID := conn.RemoteAddr().String() + "#ws#" + remote
	if !s.admit.accept(remote) {
		return
	}
	defer s.admit.release(remote)

	subConn := s.subs.Register(connID, subscribe.Limits{
		RPCBufferSize:               s.cfg.RPCBufferSize,
		ScripthashSubscriptionLimit: s.cfg.ScripthashSubscriptionLimit,
		ScripthashAliasBytesLimit:   s.cfg.ScripthashAliasBytesLimit,
	})
	defer s.subs.Unregister(connID)

	sess := &session{
		id:   connID,
		conn: subConn,
		write: func(b []byte) error {
			return conn.WriteMessage(websocket.TextMessage, b)
		},
	}

	notifyDone := make(chan struct{})
	go s.pumpNotifications(ctx, sess, notifyDone)
	defer close(notifyDone)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		resp := s.dispatch(ctx, sess, data)
		if resp != nil {
			_ = sess.writeMessage(resp)
		}
	}
}

// ServeMonitor exposes the metrics handler behind the secure-headers
// middleware on monitor_addr:monitor_port, until ctx is canceled.
func (s *Server) ServeMonitor(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metrics.Handler())

	srv := &http.Server{
		Addr:    net.JoinHostPort(s.cfg.MonitorAddr, itoa(s.cfg.MonitorPort)),
		Handler: secureMiddleware().Handler(mux),
	}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	s.log.WithField("addr", srv.Addr).Info("serving monitoring endpoint")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func secureMiddleware() *secure.Secure {
	return secure.New(secure.Options{
		FrameDeny:             true,
		ContentTypeNosniff:    true,
		BrowserXssFilter:      true,
		IsDevelopment:         false,
	})
}

func hostOnly(addr string) (string, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, err
	}
	return host, nil
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var digits [10]byte
	i := len(digits)
	for n > 0 {
		i--
		digits[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		digits[i] = '-'
	}
	return string(digits[i:])
}
