package gateway

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// bufferedConn reads bytes left over from the handshake before the socket.
type bufferedConn struct {
	net.Conn
	r io.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) { return c.r.Read(p) }

// NewBufferedConn returns conn reading whatever br already holds first.
// Frames sent right after the handshake land in the handshake reader, so
// dropping it loses them. The pending bytes are copied out, which leaves
// br free to be released (ws.PutReader) by the caller. A nil or drained
// br returns conn unchanged.
func NewBufferedConn(conn net.Conn, br *bufio.Reader) net.Conn {
	if br == nil || br.Buffered() == 0 {
		return conn
	}
	pending, err := br.Peek(br.Buffered())
	if err != nil {
		return conn
	}
	return &bufferedConn{
		Conn: conn,
		r:    io.MultiReader(bytes.NewReader(bytes.Clone(pending)), conn),
	}
}

// wsConn is the server side of one websocket connection. The reader
// answers ping and close frames while the session writer pushes data
// frames, and a frame is more than one Write, so every frame goes out
// under wmu.
type wsConn struct {
	net.Conn
	wmu sync.Mutex
}

func newWSConn(conn net.Conn) *wsConn {
	return &wsConn{Conn: conn}
}

// readMessage returns the next text or binary message. Control frames
// are answered in between.
func (c *wsConn) readMessage() ([]byte, ws.OpCode, error) {
	rd := wsutil.Reader{
		Source:         c.Conn,
		State:          ws.StateServerSide,
		CheckUTF8:      true,
		OnIntermediate: c.control,
	}
	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			return nil, 0, err
		}
		if hdr.OpCode.IsControl() {
			if err := c.control(hdr, &rd); err != nil {
				return nil, 0, err
			}
			continue
		}
		if hdr.OpCode&(ws.OpText|ws.OpBinary) == 0 {
			if err := rd.Discard(); err != nil {
				return nil, 0, err
			}
			continue
		}
		data, err := io.ReadAll(&rd)
		return data, hdr.OpCode, err
	}
}

// control builds the reply in memory and writes it in one call.
func (c *wsConn) control(h ws.Header, r io.Reader) error {
	var buf bytes.Buffer
	err := wsutil.ControlFrameHandler(&buf, ws.StateServerSide)(h, r)
	if buf.Len() > 0 {
		c.wmu.Lock()
		_, werr := c.Conn.Write(buf.Bytes())
		c.wmu.Unlock()
		if err == nil {
			err = werr
		}
	}
	return err
}

func (c *wsConn) writeMessage(op ws.OpCode, data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, op, data)
}
