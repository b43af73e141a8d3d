// Package server is the inbound transport of the service manager.
//
// Every process keeps one TCP connection to the service manager. The server learns which
// process handles live on a connection from the messages they send, and routes the
// reactor's replies back by the handle's IPC id.
//
//	Accept conn → handleConn (one reader goroutine per connection)
//	  → protocol.ReadMessage → bind handles → Poster.Post (reactor inbox)
//	reactor → Server.Send → per-connection outQueue → writeLoop → protocol.WriteMessage
//
// When a connection closes, the server posts a ProcessExit for every pid whose latest
// connection it was, so the reactor never waits on a process that is gone. A process that
// reconnected keeps its registration when the old connection goes away.
package server

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"svcmgr/codec"
	"svcmgr/message"
	"svcmgr/protocol"
)

// Poster accepts inbound messages. *manager.Manager implements it.
type Poster interface {
	Post(ctx context.Context, msg message.Message) error
}

type Server struct {
	poster   Poster
	codec    codec.CodecType
	logger   *zap.Logger
	listener net.Listener
	ready    chan struct{}

	ctx    context.Context // cancelled on Shutdown, bounds Post
	cancel context.CancelFunc

	mu    sync.RWMutex
	byIPC map[string]*conn
	byPID map[int]*conn // connection each pid last spoke on
	conns map[*conn]struct{}

	wg       sync.WaitGroup // tracks connection goroutines for graceful shutdown
	writers  sync.WaitGroup
	shutdown atomic.Bool // set during shutdown to suppress Accept errors
}

type conn struct {
	nc  net.Conn
	out *outQueue
	seq uint32

	// owned by the reader goroutine
	ipcs map[string]struct{}
	pids map[int]struct{}
}

// NewServer creates a server posting to poster and replying with the given codec.
func NewServer(poster Poster, ct codec.CodecType, logger *zap.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		poster: poster,
		codec:  ct,
		logger: logger.With(zap.String("component", "server")),
		ready:  make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
		byIPC:  make(map[string]*conn),
		byPID:  make(map[int]*conn),
		conns:  make(map[*conn]struct{}),
	}
}

// Serve listens on address and runs the accept loop until Shutdown.
func (svr *Server) Serve(network, address string) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	return svr.ServeListener(listener)
}

// ServeListener runs the accept loop on an existing listener until Shutdown.
func (svr *Server) ServeListener(listener net.Listener) error {
	svr.listener = listener
	close(svr.ready)
	svr.logger.Info("listening", zap.String("addr", listener.Addr().String()))

	for {
		nc, err := listener.Accept()
		if err != nil {
			// listener.Close() during shutdown makes Accept fail.
			if svr.shutdown.Load() {
				return nil
			}
			return err
		}
		c := &conn{
			nc:   nc,
			out:  newOutQueue(),
			ipcs: make(map[string]struct{}),
			pids: make(map[int]struct{}),
		}
		svr.mu.Lock()
		svr.conns[c] = struct{}{}
		svr.mu.Unlock()

		svr.wg.Add(2)
		svr.writers.Add(1)
		go svr.writeLoop(c)
		go svr.handleConn(c)
	}
}

// Addr returns the listen address once serving has started.
func (svr *Server) Addr() net.Addr {
	<-svr.ready
	return svr.listener.Addr()
}

// Send queues msg for the process to. Messages for unknown processes are dropped: the
// process has disconnected and its ProcessExit is on the way.
func (svr *Server) Send(to message.ProcessHandle, msg message.Message) {
	svr.mu.RLock()
	c, ok := svr.byIPC[to.IPC]
	svr.mu.RUnlock()
	if !ok || !c.out.push(msg) {
		svr.logger.Debug("no connection for process, message dropped",
			zap.Stringer("to", to), zap.Stringer("type", msg.Type()))
	}
}

// handleConn reads frames until the connection closes, then reports its processes gone.
func (svr *Server) handleConn(c *conn) {
	defer svr.wg.Done()
	defer svr.closeConn(c)

	r := bufio.NewReader(c.nc)
	for {
		header, msg, err := protocol.ReadMessage(r)
		if err != nil {
			if header != nil {
				// Framing is intact, only the body was bad: skip it.
				svr.logger.Warn("undecodable message", zap.Error(err))
				continue
			}
			return
		}
		if msg == nil {
			continue // heartbeat
		}

		svr.bind(c, msg)
		if err := svr.poster.Post(svr.ctx, msg); err != nil {
			svr.logger.Warn("reactor not accepting messages", zap.Error(err))
			return
		}
	}
}

// bind records which process handles speak on c.
func (svr *Server) bind(c *conn, msg message.Message) {
	var h message.ProcessHandle
	switch m := msg.(type) {
	case *message.Advertise:
		h = m.Process
	case *message.Unadvertise:
		h = m.Process
	case *message.ConcurrentAdvertise:
		h = m.Route.Process
	case *message.ConcurrentUnadvertise:
		h = m.Process
	case *message.LookupRequest:
		h = m.Requester
	case *message.DiscardRequest:
		h = m.Requester
	case *message.CallACK:
		h = m.Process
	case *message.DiscoverRequest:
		h = m.ReplyTo
	default:
		return
	}
	if h.Zero() {
		return
	}
	if h.PID > 0 {
		c.pids[h.PID] = struct{}{}
		svr.mu.RLock()
		current := svr.byPID[h.PID] == c
		svr.mu.RUnlock()
		if !current {
			svr.mu.Lock()
			svr.byPID[h.PID] = c
			svr.mu.Unlock()
		}
	}
	if h.IPC == "" {
		return
	}
	if _, ok := c.ipcs[h.IPC]; ok {
		return
	}
	c.ipcs[h.IPC] = struct{}{}
	svr.mu.Lock()
	svr.byIPC[h.IPC] = c
	svr.mu.Unlock()
}

func (svr *Server) closeConn(c *conn) {
	c.nc.Close()
	c.out.close()

	var exited []int
	svr.mu.Lock()
	for ipc := range c.ipcs {
		if svr.byIPC[ipc] == c {
			delete(svr.byIPC, ipc)
		}
	}
	for pid := range c.pids {
		if svr.byPID[pid] == c {
			delete(svr.byPID, pid)
			exited = append(exited, pid)
		}
	}
	delete(svr.conns, c)
	svr.mu.Unlock()

	if svr.shutdown.Load() {
		return
	}
	for _, pid := range exited {
		if err := svr.poster.Post(svr.ctx, &message.ProcessExit{PID: pid}); err != nil {
			svr.logger.Warn("process exit not delivered", zap.Int("pid", pid), zap.Error(err))
			return
		}
	}
}

// writeLoop is the only writer of c. Frames go out in the order they were queued.
func (svr *Server) writeLoop(c *conn) {
	defer svr.wg.Done()
	defer svr.writers.Done()
	w := bufio.NewWriter(c.nc)
	for {
		items, ok := c.out.popAll()
		if !ok {
			return
		}
		for _, msg := range items {
			c.seq++
			if err := protocol.WriteMessage(w, svr.codec, c.seq, msg); err != nil {
				svr.logger.Debug("write failed", zap.Error(err))
				c.nc.Close()
				return
			}
		}
		if err := w.Flush(); err != nil {
			svr.logger.Debug("flush failed", zap.Error(err))
			c.nc.Close()
			return
		}
	}
}

// Shutdown performs graceful shutdown:
//  1. Set the shutdown flag so the Accept error is recognized as intentional
//  2. Close the listener
//  3. Close every connection, letting writers flush what is queued
//  4. Wait for the connection goroutines (with timeout)
func (svr *Server) Shutdown(timeout time.Duration) error {
	svr.shutdown.Store(true)
	if svr.listener != nil {
		svr.listener.Close()
	}

	svr.mu.RLock()
	for c := range svr.conns {
		c.out.close()
	}
	svr.mu.RUnlock()

	// Let writers flush what is queued, then cut the connections to stop the readers.
	flushed := make(chan struct{})
	go func() {
		svr.writers.Wait()
		close(flushed)
	}()
	select {
	case <-flushed:
	case <-time.After(timeout / 2):
	}
	svr.cancel()
	svr.mu.RLock()
	for c := range svr.conns {
		c.nc.Close()
	}
	svr.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout / 2):
		return fmt.Errorf("timeout waiting for connections to close")
	}
}

// PosterFunc adapts a function to Poster.
type PosterFunc func(ctx context.Context, msg message.Message) error

func (f PosterFunc) Post(ctx context.Context, msg message.Message) error {
	return f(ctx, msg)
}
