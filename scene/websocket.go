package scene

import (
	"net/url"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/orbisworld/orbis/errors"
)

// sceneSocket is one outbound WebSocket opened by a scene. A reader
// goroutine buffers inbound messages; the scene polls them one per op call.
type sceneSocket struct {
	conn *websocket.Conn

	mu      sync.Mutex
	inbox   [][]byte
	closed  bool
}

const sceneSocketInboxCap = 256

// wsConnect opens a scene WebSocket against the host allowlist and returns a
// nonzero handle.
func (h *hostState) wsConnect(rawURL string) (uint32, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 0, errors.Wrap(err, "invalid url")
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return 0, errors.Newf("scheme %q not allowed", u.Scheme)
	}
	// Reuse the fetch client's host validation (scheme checked above)
	httpProbe := *u
	httpProbe.Scheme = "https"
	if _, err := h.client.ValidateURL(httpProbe.String()); err != nil {
		return 0, err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(h.fetchCtx, rawURL, nil)
	if err != nil {
		return 0, errors.Wrap(err, "dial failed")
	}

	sock := &sceneSocket{conn: conn}
	go sock.readLoop()

	h.socketsMu.Lock()
	h.nextSocket++
	handle := h.nextSocket
	if h.sockets == nil {
		h.sockets = make(map[uint32]*sceneSocket)
	}
	h.sockets[handle] = sock
	h.socketsMu.Unlock()
	return handle, nil
}

func (s *sceneSocket) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			s.closed = true
			s.mu.Unlock()
			return
		}
		s.mu.Lock()
		if len(s.inbox) < sceneSocketInboxCap {
			s.inbox = append(s.inbox, data)
		}
		s.mu.Unlock()
	}
}

func (h *hostState) socket(handle uint32) *sceneSocket {
	h.socketsMu.Lock()
	defer h.socketsMu.Unlock()
	return h.sockets[handle]
}

func (h *hostState) wsSend(handle uint32, data []byte) error {
	sock := h.socket(handle)
	if sock == nil {
		return errors.Newf("unknown socket handle %d", handle)
	}
	sock.mu.Lock()
	closed := sock.closed
	sock.mu.Unlock()
	if closed {
		return errors.New("socket closed")
	}
	return sock.conn.WriteMessage(websocket.BinaryMessage, data)
}

// wsPoll returns the next buffered message, or nil when none is pending.
func (h *hostState) wsPoll(handle uint32) []byte {
	sock := h.socket(handle)
	if sock == nil {
		return nil
	}
	sock.mu.Lock()
	defer sock.mu.Unlock()
	if len(sock.inbox) == 0 {
		return nil
	}
	msg := sock.inbox[0]
	sock.inbox = sock.inbox[1:]
	return msg
}

func (h *hostState) wsClose(handle uint32) {
	h.socketsMu.Lock()
	sock := h.sockets[handle]
	delete(h.sockets, handle)
	h.socketsMu.Unlock()
	if sock != nil {
		sock.conn.Close()
	}
}

// closeAllSockets tears down every scene socket at VM shutdown.
func (h *hostState) closeAllSockets() {
	h.socketsMu.Lock()
	sockets := h.sockets
	h.sockets = nil
	h.socketsMu.Unlock()
	for _, sock := range sockets {
		sock.conn.Close()
	}
}
