package capture

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pagetrail/recorder/internal/models"
)

const (
	pingInterval   = 30 * time.Second
	pongWait       = 60 * time.Second
	writeWait      = 10 * time.Second
	maxEventSize   = 16 << 20
	pageSendBuffer = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // pages on any origin may stream to the local agent
	},
}

// Command is a control frame sent from the agent to the page script.
type Command struct {
	Command string   `json:"command"`
	Options *Options `json:"options,omitempty"`
}

type pageConn struct {
	id   string
	page Page
	conn *websocket.Conn
	send chan Command
}

// WSSource is a Source fed by page scripts connected over WebSocket.
// The most recently connected page is the active one.
type WSSource struct {
	mu        sync.Mutex
	active    *pageConn
	recording *pageConn
	handle    *wsHandle
	emit      Emit
	onDetach  func(Handle)
	logger    *zap.Logger
}

// NewWSSource creates an empty source.
func NewWSSource(logger *zap.Logger) *WSSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSSource{logger: logger}
}

// OnDetach sets the callback run when the page being recorded goes away
// (navigation, tab close). It runs on its own goroutine and receives the
// handle of the recording that lost its page.
func (s *WSSource) OnDetach(fn func(Handle)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDetach = fn
}

// Record attaches emit to the active page and tells it to start capturing.
func (s *WSSource) Record(opts Options, emit Emit) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return nil, ErrNoPage
	}
	s.recording = s.active
	s.emit = emit
	o := opts
	s.push(s.recording, Command{Command: "start", Options: &o})
	s.handle = &wsHandle{src: s, pc: s.recording}
	return s.handle, nil
}

// push queues cmd for pc without blocking. Caller holds s.mu.
func (s *WSSource) push(pc *pageConn, cmd Command) {
	select {
	case pc.send <- cmd:
	default:
		s.logger.Warn("capture command dropped, page send buffer full", zap.String("page_id", pc.id), zap.String("command", cmd.Command))
	}
}

type wsHandle struct {
	src  *WSSource
	pc   *pageConn
	once sync.Once
}

func (h *wsHandle) Page() Page { return h.pc.page }

func (h *wsHandle) Stop() {
	h.once.Do(func() {
		h.src.mu.Lock()
		defer h.src.mu.Unlock()
		if h.src.handle == h {
			h.src.recording = nil
			h.src.handle = nil
			h.src.emit = nil
			if h.src.active == h.pc {
				h.src.push(h.pc, Command{Command: "stop"})
			}
		}
	})
}

// ServeWS handles GET /capture?url=&title= from a page script.
func (s *WSSource) ServeWS(c *gin.Context) {
	page := Page{URL: c.Query("url"), Title: c.Query("title")}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("capture websocket upgrade failed", zap.Error(err))
		return
	}
	pc := &pageConn{
		id:   uuid.NewString(),
		page: page,
		conn: conn,
		send: make(chan Command, pageSendBuffer),
	}
	s.mu.Lock()
	s.active = pc
	s.mu.Unlock()
	s.logger.Info("capture page attached", zap.String("page_id", pc.id), zap.String("url", page.URL))

	go s.writePump(pc)
	s.readPump(pc)
}

func (s *WSSource) readPump(pc *pageConn) {
	defer s.detach(pc)

	pc.conn.SetReadLimit(maxEventSize)
	_ = pc.conn.SetReadDeadline(time.Now().Add(pongWait))
	pc.conn.SetPongHandler(func(string) error {
		return pc.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := pc.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = pc.conn.SetReadDeadline(time.Now().Add(pongWait))
		if !ValidEvent(data) {
			s.logger.Warn("capture event malformed, dropped", zap.String("page_id", pc.id), zap.Int("size", len(data)))
			continue
		}
		s.mu.Lock()
		emit := s.emit
		if s.recording != pc {
			emit = nil
		}
		s.mu.Unlock()
		if emit != nil {
			emit(models.Event(data))
		}
	}
}

func (s *WSSource) detach(pc *pageConn) {
	s.mu.Lock()
	var handle Handle
	wasRecording := s.recording == pc
	if wasRecording && s.handle != nil {
		handle = s.handle
	}
	if s.active == pc {
		s.active = nil
	}
	onDetach := s.onDetach
	close(pc.send)
	s.mu.Unlock()
	_ = pc.conn.Close()
	s.logger.Info("capture page detached", zap.String("page_id", pc.id), zap.Bool("was_recording", wasRecording))
	if handle != nil && onDetach != nil {
		go onDetach(handle)
	}
}

func (s *WSSource) writePump(pc *pageConn) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = pc.conn.Close()
	}()
	for {
		select {
		case cmd, ok := <-pc.send:
			if !ok {
				_ = pc.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = pc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := pc.conn.WriteJSON(cmd); err != nil {
				return
			}
		case <-ticker.C:
			_ = pc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := pc.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
