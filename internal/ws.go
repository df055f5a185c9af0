package internal

import (
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// _envelopeVersion is the progress envelope schema version.
const _envelopeVersion = "1.0.0"

// Close codes. The 4xxx codes are application-defined.
const (
	websocketNormalClosure = websocket.CloseNormalClosure
	websocketUnauthorized  = 4401
	websocketSuperseded    = 4409
)

// wsEnvelope is one progress frame. Version lets clients drop reordered
// duplicates; entities only ever send monotonically increasing versions.
type wsEnvelope struct {
	Type      string         `json:"type"`
	JobID     string         `json:"jobId"`
	Pipeline  Pipeline       `json:"pipeline"`
	Timestamp int64          `json:"timestamp"` // Epoch milliseconds.
	Version   string         `json:"version"`
	Payload   map[string]any `json:"payload"`
}

// wsPeer wraps one accepted connection. Writes are serialized under a
// mutex since gorilla connections allow only one concurrent writer.
type wsPeer struct {
	mu   sync.Mutex
	conn *websocket.Conn

	readyC    chan struct{}
	readyOnce sync.Once
	doneC     chan struct{}
	doneOnce  sync.Once
}

var _ jobPeer = (*wsPeer)(nil)

func newWSPeer(conn *websocket.Conn) *wsPeer {
	p := &wsPeer{
		conn:   conn,
		readyC: make(chan struct{}),
		doneC:  make(chan struct{}),
	}
	go p.readLoop()
	return p
}

func (p *wsPeer) send(env wsEnvelope) error {
	blob, err := sonic.Marshal(env)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return p.conn.WriteMessage(websocket.TextMessage, blob)
}

func (p *wsPeer) close(code int, reason string) {
	p.mu.Lock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = p.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	_ = p.conn.Close()
	p.mu.Unlock()
	p.doneOnce.Do(func() { close(p.doneC) })
}

func (p *wsPeer) ready() <-chan struct{} { return p.readyC }
func (p *wsPeer) done() <-chan struct{}  { return p.doneC }

// readLoop consumes client frames. The only meaningful inbound message
// is the ready handshake; everything else is drained to keep control
// frames flowing.
func (p *wsPeer) readLoop() {
	defer p.doneOnce.Do(func() { close(p.doneC) })

	for {
		_, msg, err := p.conn.ReadMessage()
		if err != nil {
			return
		}

		var frame struct {
			Type string `json:"type"`
		}
		if err := sonic.Unmarshal(msg, &frame); err != nil {
			continue
		}
		if frame.Type == "ready" {
			p.readyOnce.Do(func() { close(p.readyC) })
			p.mu.Lock()
			_ = p.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			_ = p.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ready_ack"}`))
			p.mu.Unlock()
		}
	}
}

var _upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Browsers connect cross-origin from the app shell; auth is the
	// per-job token, not the origin.
	CheckOrigin: func(*http.Request) bool { return true },
}

// progressSocket upgrades /ws/progress connections. The client must
// present a known jobId and that job's current auth token; anything else
// is refused before the upgrade completes.
func progressSocket(jobs *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := r.URL.Query().Get("jobId")
		token := r.URL.Query().Get("token")
		if token == "" {
			token = r.Header.Get("Authorization")
		}

		if _, err := uuid.Parse(jobID); err != nil {
			http.Error(w, "invalid jobId", http.StatusBadRequest)
			return
		}

		// Unknown jobs are refused the same way as bad tokens so the
		// endpoint doesn't confirm which job ids exist.
		entity, ok := jobs.Lookup(jobID)
		authorized := false
		if ok {
			_, want, expires := entity.GetStateAndAuth()
			authorized = want != "" && token == want && !time.Now().After(expires)
		}
		if !authorized {
			// Complete the upgrade anyway so the client sees the 4401
			// close code; plain HTTP clients get the 401.
			if websocket.IsWebSocketUpgrade(r) {
				conn, err := _upgrader.Upgrade(w, r, nil)
				if err == nil {
					msg := websocket.FormatCloseMessage(websocketUnauthorized, "unauthorized")
					_ = conn.WriteMessage(websocket.CloseMessage, msg)
					_ = conn.Close()
					return
				}
			}
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		conn, err := _upgrader.Upgrade(w, r, nil)
		if err != nil {
			Log(r.Context()).Warn("problem upgrading websocket", "jobID", jobID, "err", err)
			return
		}

		entity.AttachPeer(newWSPeer(conn))
		Log(r.Context()).Debug("websocket attached", "jobID", jobID)
	}
}
