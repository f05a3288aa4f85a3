package bridge

import (
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
)

// Stream is a duplex message stream. Read returns io.EOF once the far end
// has finished.
type Stream interface {
	Read() ([]byte, error)
	Write(p []byte) error
	Close() error
}

// Interrupter is implemented by streams whose pending Read can be aborted
// without tearing the stream down.
type Interrupter interface {
	Interrupt()
}

const writeWait = 10 * time.Second

// WebSocketStream carries terminal bytes as websocket text messages.
type WebSocketStream struct {
	conn *websocket.Conn

	mu      sync.Mutex
	pending []byte // incomplete trailing UTF-8 sequence of the last write

	closeOnce sync.Once
}

// NewWebSocketStream wraps an upgraded connection.
func NewWebSocketStream(conn *websocket.Conn) *WebSocketStream {
	return &WebSocketStream{conn: conn}
}

// Read returns the payload of the next data message. A close frame ends the stream.
func (s *WebSocketStream) Read() ([]byte, error) {
	for {
		typ, data, err := s.conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) || errors.Is(err, net.ErrClosed) {
				return nil, io.EOF
			}
			return nil, err
		}
		if typ == websocket.TextMessage || typ == websocket.BinaryMessage {
			return data, nil
		}
	}
}

// Write sends p as a text message. Invalid UTF-8 is dropped and a rune split
// across writes is held back until it is complete.
func (s *WebSocketStream) Write(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data := append(s.pending, p...)
	cut := len(data) - incompleteSuffix(data)
	s.pending = append([]byte(nil), data[cut:]...)

	text := strings.ToValidUTF8(string(data[:cut]), "")
	if text == "" {
		return nil
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, []byte(text))
}

// WriteText sends a complete text message such as an error line.
func (s *WebSocketStream) WriteText(msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, []byte(msg))
}

// Interrupt makes a blocked Read return immediately.
func (s *WebSocketStream) Interrupt() {
	s.conn.SetReadDeadline(time.Now())
}

// Close sends a normal close frame and closes the connection.
func (s *WebSocketStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = s.conn.Close()
	})
	return err
}

// incompleteSuffix returns the length of a truncated multi-byte rune at the end of b.
func incompleteSuffix(b []byte) int {
	for i := 1; i <= utf8.UTFMax-1 && i <= len(b); i++ {
		if utf8.RuneStart(b[len(b)-i]) {
			if utf8.FullRune(b[len(b)-i:]) {
				return 0
			}
			return i
		}
	}
	return 0
}

const readChunk = 1024

// ProcessStream adapts a process terminal to a Stream.
type ProcessStream struct {
	rwc io.ReadWriteCloser
	buf []byte
}

// NewProcessStream wraps the terminal byte stream of an interactive process.
func NewProcessStream(rwc io.ReadWriteCloser) *ProcessStream {
	return &ProcessStream{rwc: rwc, buf: make([]byte, readChunk)}
}

// Read returns whatever bytes are available, up to one chunk.
func (s *ProcessStream) Read() ([]byte, error) {
	for {
		n, err := s.rwc.Read(s.buf)
		if n > 0 {
			return append([]byte(nil), s.buf[:n]...), nil
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
				return nil, io.EOF
			}
			return nil, err
		}
	}
}

func (s *ProcessStream) Write(p []byte) error {
	_, err := s.rwc.Write(p)
	return err
}

func (s *ProcessStream) Close() error {
	return s.rwc.Close()
}
