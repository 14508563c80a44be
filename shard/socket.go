package shard

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/stratus-cloud/gateway-go-sdk/wire"
)

// Socket is the client end of a gateway WebSocket. ReadMessage may run on a
// different goroutine than the write methods.
type Socket interface {
	// ReadMessage returns the next data frame. Control frames are handled
	// internally. A close frame surfaces as *CloseError.
	ReadMessage() (data []byte, binary bool, err error)
	WriteText(p []byte) error
	WriteClose(code int, reason string) error
	Close() error
}

const defaultWriteTimeout = 10 * time.Second

// DialSocket opens a WebSocket to endpoint with the encoding and compression
// query parameters applied.
func DialSocket(ctx context.Context, endpoint string, c wire.Compression, timeout time.Duration) (Socket, error) {
	u, err := wire.GatewayURL(endpoint, c)
	if err != nil {
		return nil, err
	}

	d := ws.Dialer{Timeout: timeout}
	conn, br, _, err := d.Dial(ctx, u)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	return newWSSocket(conn, br), nil
}

type wsSocket struct {
	conn net.Conn
	r    io.Reader

	wmu          sync.Mutex
	writeTimeout time.Duration
}

func newWSSocket(conn net.Conn, br *bufio.Reader) *wsSocket {
	s := &wsSocket{conn: conn, r: conn, writeTimeout: defaultWriteTimeout}
	if br != nil {
		// Frames sent along with the handshake response are buffered in br,
		// which keeps reading from conn once drained.
		s.r = br
	}
	return s
}

func (s *wsSocket) ReadMessage() ([]byte, bool, error) {
	// Control replies (pong, close echo) go straight out through
	// controlWriter, so a ping is answered without waiting for a data frame.
	// A failed reply ends the read with that error.
	data, op, err := wsutil.ReadServerData(struct {
		io.Reader
		io.Writer
	}{s.r, controlWriter{s}})
	if err != nil {
		var closed wsutil.ClosedError
		if errors.As(err, &closed) {
			return nil, false, &CloseError{Code: int(closed.Code), Reason: closed.Reason}
		}
		return nil, false, err
	}
	return data, op == ws.OpBinary, nil
}

func (s *wsSocket) WriteText(p []byte) error {
	var buf bytes.Buffer
	if err := wsutil.WriteClientText(&buf, p); err != nil {
		return err
	}
	return s.writeRaw(buf.Bytes())
}

func (s *wsSocket) WriteClose(code int, reason string) error {
	var buf bytes.Buffer
	body := ws.NewCloseFrameBody(ws.StatusCode(code), reason)
	if err := wsutil.WriteClientMessage(&buf, ws.OpClose, body); err != nil {
		return err
	}
	return s.writeRaw(buf.Bytes())
}

func (s *wsSocket) writeRaw(frame []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.writeTimeout > 0 {
		s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
		defer s.conn.SetWriteDeadline(time.Time{})
	}
	_, err := s.conn.Write(frame)
	return err
}

// controlWriter writes control frames under the socket's write lock. The
// control handler hands it one complete frame per Write.
type controlWriter struct{ s *wsSocket }

func (w controlWriter) Write(p []byte) (int, error) {
	if err := w.s.writeRaw(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *wsSocket) Close() error { return s.conn.Close() }
