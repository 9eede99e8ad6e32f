package websocket

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 64
)

// WriteTyped sends a strongly-typed response payload over the WebSocket.
func WriteTyped(conn *websocket.Conn, v interface{}) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(v)
}

// ReadMessage reads one text frame. Any pong or frame extends the deadline.
func ReadMessage(conn *websocket.Conn) ([]byte, error) {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	_, data, err := conn.ReadMessage()
	return data, err
}

// Stream serializes writes to one connection. Gorilla connections support a
// single concurrent writer, while session events arrive from the read loop,
// the timer goroutine and background submits.
type Stream struct {
	conn *websocket.Conn
	log  zerolog.Logger

	send      chan interface{}
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewStream starts the writer goroutine and keeps the peer alive with pings.
func NewStream(conn *websocket.Conn, log zerolog.Logger) *Stream {
	s := &Stream{
		conn: conn,
		log:  log,
		send: make(chan interface{}, sendBuffer),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go s.writeLoop()
	return s
}

// Send queues v for delivery. It returns false once the stream is closed.
func (s *Stream) Send(v interface{}) bool {
	select {
	case <-s.quit:
		return false
	default:
	}
	select {
	case s.send <- v:
		return true
	case <-s.quit:
		return false
	}
}

// SendError queues an error event.
func (s *Stream) SendError(code, msg string, fields map[string]string) bool {
	return s.Send(ErrorResponse{Event: EventError, Code: code, Error: msg, Fields: fields})
}

// Close flushes queued events, sends a close frame and closes the connection.
// It waits for the writer to finish. Safe to call repeatedly.
func (s *Stream) Close() {
	s.closeOnce.Do(func() { close(s.quit) })
	<-s.done
}

func (s *Stream) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
		close(s.done)
	}()

	for {
		select {
		case v := <-s.send:
			if err := WriteTyped(s.conn, v); err != nil {
				s.log.Debug().Err(err).Msg("Write failed, closing stream")
				s.closeOnce.Do(func() { close(s.quit) })
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				s.log.Debug().Err(err).Msg("Ping failed, closing stream")
				s.closeOnce.Do(func() { close(s.quit) })
				return
			}
		case <-s.quit:
			s.drain()
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return
		}
	}
}

func (s *Stream) drain() {
	for {
		select {
		case v := <-s.send:
			if err := WriteTyped(s.conn, v); err != nil {
				return
			}
		default:
			return
		}
	}
}
