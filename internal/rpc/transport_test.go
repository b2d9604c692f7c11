package rpc

import (
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func startTestServer(t *testing.T, register func(*Server)) (net.Conn, func()) {
	t.Helper()

	s := NewServer(2*time.Second, 2*time.Second)
	register(s)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	go s.Serve(ln)

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)

	return conn, func() {
		conn.Close()
		ln.Close()
	}
}

func sendFrame(t *testing.T, conn net.Conn, opcode byte, body []byte) {
	t.Helper()
	header := make([]byte, 5)
	header[0] = opcode
	binary.BigEndian.PutUint32(header[1:], uint32(len(body)))
	_, err := conn.Write(header)
	require.NoError(t, err)
	if len(body) > 0 {
		_, err = conn.Write(body)
		require.NoError(t, err)
	}
}

func readReply(t *testing.T, conn net.Conn) (byte, []byte) {
	t.Helper()
	header := make([]byte, 5)
	_, err := io.ReadFull(conn, header)
	require.NoError(t, err)
	status := header[0]
	length := binary.BigEndian.Uint32(header[1:])
	body := make([]byte, length)
	if length > 0 {
		_, err = io.ReadFull(conn, body)
		require.NoError(t, err)
	}
	return status, body
}

// ============================================================================
// Framing
// ============================================================================

func TestServer_BadRequestSizeOnUnknownShapedFrame(t *testing.T) {
	conn, cleanup := startTestServer(t, func(s *Server) {
		s.Register(OpLease, func(body []byte, _ uint32) ([]byte, byte) {
			if len(body) != 4 {
				return nil, StatusBadRequestSize
			}
			return []byte{0, 0, 0, 0, 0, 0, 0, 0, 0, 0}, StatusOK
		})
	})
	defer cleanup()

	sendFrame(t, conn, OpLease, []byte{1, 2, 3})

	status, _ := readReply(t, conn)
	require.Equal(t, StatusBadRequestSize, status)
}

func TestServer_UnregisteredOpcodeIsInternalError(t *testing.T) {
	conn, cleanup := startTestServer(t, func(s *Server) {})
	defer cleanup()

	sendFrame(t, conn, 0x99, nil)

	status, _ := readReply(t, conn)
	require.Equal(t, StatusInternalError, status)
}

func TestServer_DispatchesMultipleFramesOnOneConnection(t *testing.T) {
	var gotHostID uint32
	conn, cleanup := startTestServer(t, func(s *Server) {
		s.Register(OpLease, func(body []byte, hostID uint32) ([]byte, byte) {
			gotHostID = hostID
			return []byte{9}, StatusOK
		})
	})
	defer cleanup()

	handshake := make([]byte, 4)
	binary.BigEndian.PutUint32(handshake, 7)
	sendFrame(t, conn, OpHandshake, handshake)

	sendFrame(t, conn, OpLease, []byte{1})
	status, body := readReply(t, conn)
	require.Equal(t, StatusOK, status)
	require.Equal(t, []byte{9}, body)

	sendFrame(t, conn, OpLease, []byte{2})
	status, body = readReply(t, conn)
	require.Equal(t, StatusOK, status)
	require.Equal(t, []byte{9}, body)

	require.Equal(t, uint32(7), gotHostID)
}
