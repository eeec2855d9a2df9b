package comfy

import (
	"sync"

	"github.com/gorilla/websocket"
)

// FrameReader is the surface a tracker needs from the execution stream: a
// blocking frame read and a close that aborts it.
type FrameReader interface {
	// ReadFrame returns the websocket message type and payload of the next
	// frame.
	ReadFrame() (messageType int, data []byte, err error)

	// Close releases the connection. Closing while a read is blocked causes
	// that read to fail; closing an unread or already-closed stream is safe.
	Close() error
}

// Stream is the persistent execution stream. It must not be read from two
// call sites concurrently; one tracker owns it for the duration of a Track
// call.
type Stream struct {
	conn      *websocket.Conn
	closeOnce sync.Once
	closeErr  error
}

// ReadFrame blocks until the next frame arrives.
func (s *Stream) ReadFrame() (int, []byte, error) {
	return s.conn.ReadMessage()
}

// Close closes the underlying connection. Idempotent.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}
