// Package rpc is a minimal framed TCP RPC transport (request/reply
// framing, numeric opcode registration, timeout-bounded reply delivery),
// plus the request handlers for opcodes 0x54/0x55 on top of it.
package rpc

import (
	"encoding/binary"
	"errors"
	"io"
	"net"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/uzzalhcse/spiderproxy/internal/logger"
)

// Opcodes. 0x00 is a connection handshake that carries the requesting
// peer's cluster index without changing the LEASE/RELEASE wire formats.
const (
	OpHandshake byte = 0x00
	OpLease     byte = 0x54
	OpRelease   byte = 0x55
)

// Reply status codes.
const (
	StatusOK             byte = 0
	StatusBadRequestSize byte = 1
	StatusInternalError  byte = 2
)

const maxFrameBody = 1 << 16

// Handler processes one request body for a registered opcode and returns
// the reply body plus a status. workerHostID is the peer index read from
// this connection's handshake frame.
type Handler func(body []byte, workerHostID uint32) (replyBody []byte, status byte)

// Server is a minimal framed TCP RPC server: each frame is
// [1-byte opcode][4-byte big-endian length][body], and each reply is
// [1-byte status][4-byte big-endian length][body].
type Server struct {
	handlers     map[byte]Handler
	readTimeout  time.Duration
	writeTimeout time.Duration
}

// NewServer creates a Server with the given per-frame read/write
// deadlines, so a stalled peer can never block the accept loop.
func NewServer(readTimeout, writeTimeout time.Duration) *Server {
	return &Server{
		handlers:     make(map[byte]Handler),
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
	}
}

// Register binds a handler to an opcode.
func (s *Server) Register(opcode byte, h Handler) {
	s.handlers[opcode] = h
}

// ListenAndServe listens on addr and serves connections until the
// listener is closed.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts and handles connections from ln until it's closed.
func (s *Server) Serve(ln net.Listener) error {
	defer ln.Close()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	connID := uuid.NewString()
	logger.Debug("rpc: connection accepted",
		zap.String("conn_id", connID),
		zap.String("remote_addr", conn.RemoteAddr().String()),
	)

	var workerHostID uint32

	opcode, body, err := s.readFrame(conn)
	if err != nil {
		return
	}
	if opcode == OpHandshake {
		if len(body) == 4 {
			workerHostID = binary.BigEndian.Uint32(body)
		}
	} else {
		// No handshake: treat the first frame as a request from an
		// anonymous peer (workerHostID stays 0) and dispatch it below
		// instead of dropping the connection.
		s.dispatch(conn, opcode, body, workerHostID)
	}

	for {
		opcode, body, err := s.readFrame(conn)
		if err != nil {
			return
		}
		s.dispatch(conn, opcode, body, workerHostID)
	}
}

func (s *Server) dispatch(conn net.Conn, opcode byte, body []byte, workerHostID uint32) {
	h, ok := s.handlers[opcode]
	if !ok {
		logger.Warn("rpc: no handler for opcode", zap.Uint8("opcode", opcode))
		s.writeReply(conn, StatusInternalError, nil)
		return
	}

	replyBody, status := h(body, workerHostID)
	if err := s.writeReply(conn, status, replyBody); err != nil {
		logger.Debug("rpc: reply write failed", zap.Error(err))
	}
}

func (s *Server) readFrame(conn net.Conn) (byte, []byte, error) {
	if s.readTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(s.readTimeout))
	}

	header := make([]byte, 5)
	if _, err := io.ReadFull(conn, header); err != nil {
		return 0, nil, err
	}

	opcode := header[0]
	length := binary.BigEndian.Uint32(header[1:])
	if length > maxFrameBody {
		return 0, nil, errors.New("rpc: frame too large")
	}

	body := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(conn, body); err != nil {
			return 0, nil, err
		}
	}
	return opcode, body, nil
}

func (s *Server) writeReply(conn net.Conn, status byte, body []byte) error {
	if s.writeTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}

	header := make([]byte, 5)
	header[0] = status
	binary.BigEndian.PutUint32(header[1:], uint32(len(body)))

	if _, err := conn.Write(header); err != nil {
		return err
	}
	if len(body) > 0 {
		if _, err := conn.Write(body); err != nil {
			return err
		}
	}
	return nil
}
