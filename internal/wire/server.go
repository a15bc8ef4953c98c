// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package wire serves the MongoDB wire protocol over TCP, translating
// OP_MSG (and legacy OP_QUERY handshakes) into backend operations.
package wire

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"gopkg.in/tomb.v2"

	"github.com/juju/mondo/core/backend"
)

var logger = loggo.GetLogger("mondo.wire")

// Config holds what a Server needs to run.
type Config struct {
	// Listener accepts client connections. The server takes ownership
	// and closes it on shutdown.
	Listener net.Listener
	// Backend executes every command. Usually the router.
	Backend backend.Backend
	// Clock is used for handshake timestamps. Defaults to the wall
	// clock.
	Clock clock.Clock
	// MaxMessageSize bounds a single wire message. Defaults to
	// DefaultMaxMessageSize.
	MaxMessageSize int32
}

// Validate is part of the usual config contract.
func (c Config) Validate() error {
	if c.Listener == nil {
		return errors.NotValidf("nil Listener")
	}
	if c.Backend == nil {
		return errors.NotValidf("nil Backend")
	}
	return nil
}

// Server accepts MongoDB wire connections and serves commands until
// killed. It implements the worker contract (Kill/Wait).
type Server struct {
	tomb    tomb.Tomb
	cfg     Config
	handler *handler

	replyID int64

	mu    sync.Mutex
	conns map[net.Conn]struct{}
}

// NewServer starts a server on the configured listener.
func NewServer(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	s := &Server{
		cfg:     cfg,
		handler: &handler{backend: cfg.Backend, clock: cfg.Clock},
		conns:   make(map[net.Conn]struct{}),
	}
	s.tomb.Go(s.loop)
	return s, nil
}

// Kill is part of the worker.Worker interface.
func (s *Server) Kill() {
	s.tomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (s *Server) Wait() error {
	return s.tomb.Wait()
}

// Addr returns the address the server listens on.
func (s *Server) Addr() net.Addr {
	return s.cfg.Listener.Addr()
}

func (s *Server) loop() error {
	// Closing the listener unblocks Accept when the tomb dies.
	s.tomb.Go(func() error {
		<-s.tomb.Dying()
		if err := s.cfg.Listener.Close(); err != nil {
			logger.Debugf("closing listener: %v", err)
		}
		s.closeConnections()
		return nil
	})

	logger.Infof("listening on %s", s.cfg.Listener.Addr())
	for {
		conn, err := s.cfg.Listener.Accept()
		if err != nil {
			select {
			case <-s.tomb.Dying():
				return tomb.ErrDying
			default:
				return errors.Annotate(err, "accepting connection")
			}
		}
		s.trackConn(conn)
		s.tomb.Go(func() error {
			defer s.untrackConn(conn)
			s.serveConn(conn)
			return nil
		})
	}
}

func (s *Server) trackConn(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[conn] = struct{}{}
}

func (s *Server) untrackConn(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conns[conn]; ok {
		conn.Close()
		delete(s.conns, conn)
	}
}

func (s *Server) closeConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		conn.Close()
	}
	s.conns = make(map[net.Conn]struct{})
}

// serveConn reads commands until the client hangs up or sends
// something unframeable.
func (s *Server) serveConn(conn net.Conn) {
	remote := conn.RemoteAddr().String()
	logger.Debugf("connection from %s", remote)

	ctx := s.tomb.Context(context.Background())
	for {
		msg, err := readMessage(conn, s.cfg.MaxMessageSize)
		if err != nil {
			if err != io.EOF {
				logger.Debugf("connection %s: %v", remote, err)
			}
			return
		}
		req, err := parseRequest(msg)
		if err != nil {
			logger.Debugf("connection %s: %v", remote, err)
			return
		}

		reply := s.handler.handle(ctx, remote, req.command)
		if req.moreToCome {
			continue
		}
		frame, err := encodeReply(req, s.nextReplyID(), reply)
		if err != nil {
			logger.Errorf("connection %s: %v", remote, err)
			return
		}
		if _, err := conn.Write(frame); err != nil {
			logger.Debugf("connection %s: %v", remote, err)
			return
		}
	}
}

func (s *Server) nextReplyID() int32 {
	return int32(atomic.AddInt64(&s.replyID, 1))
}
