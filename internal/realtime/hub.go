package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// EventJoin はクライアントがルームへの参加を要求するイベント。
	EventJoin = "join"
	// EventLeave はクライアントがルームからの退出を要求するイベント。
	EventLeave = "leave"
	// EventJoined はjoinが受理されたことをクライアントへ通知するイベント。
	EventJoined = "joined"
	// EventError は要求を処理できなかったことをクライアントへ通知するイベント。
	EventError = "error"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	// defaultSendBuffer は接続ごとの送信キューの既定長。
	defaultSendBuffer = 64
)

var (
	// ErrHubClosed はシャットダウン済みのHubを表す。
	ErrHubClosed = errors.New("realtimeハブは停止しています")
	// ErrUnauthorized はアップグレード要求の資格情報が不正であることを表す。
	// Authenticate がこれをラップしたエラーを返すと、接続を403で拒否する。
	ErrUnauthorized = errors.New("WebSocket接続の資格情報が不正です")
)

// Frame はWebSocket上でやり取りするJSONフレーム。
type Frame struct {
	// Event はイベント名。
	Event string `json:"event"`
	// Data はイベント固有のデータ。
	Data json.RawMessage `json:"data,omitempty"`
	// UserID はjoinの簡略形式 {"userId": "..."} で使われるユーザーID。
	UserID string `json:"userId,omitempty"`
}

// EncodeFrame はイベント名とデータをフレームにシリアライズする。
func EncodeFrame(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Event: event, Data: raw})
}

// joinTarget はjoinフレームから参加先のユーザーIDを取り出す。
// data が文字列、data が {"userId": ...}、またはトップレベルの userId のいずれかを受け付ける。
func (f Frame) joinTarget() string {
	if len(f.Data) > 0 {
		var s string
		if err := json.Unmarshal(f.Data, &s); err == nil {
			return strings.TrimSpace(s)
		}
		var obj struct {
			UserID string `json:"userId"`
		}
		if err := json.Unmarshal(f.Data, &obj); err == nil && obj.UserID != "" {
			return strings.TrimSpace(obj.UserID)
		}
	}
	return strings.TrimSpace(f.UserID)
}

// HubConfig はHubの設定。
type HubConfig struct {
	// AllowedOrigins は接続を許可するOrigin。"*" はすべて許可する。
	// Originヘッダーが無いリクエストは常に許可する。
	AllowedOrigins []string
	// Authenticate はアップグレード要求から検証済みのユーザーIDを返す。
	// 空文字を返した接続は任意のルームにjoinできる。エラーを返した要求は接続を拒否する。
	// ErrUnauthorized をラップしたエラーは403、それ以外は503で拒否する。
	// nilの場合は認証しない。
	Authenticate func(r *http.Request) (string, error)
	// SendBuffer は接続ごとの送信キュー長。0以下の場合は既定値。
	SendBuffer int
	// Logger はロガー。
	Logger *zap.Logger
}

// Hub はWebSocketエンドポイント。接続を受け入れ、Registry を通じてユーザー単位に配信する。
type Hub struct {
	registry     *Registry
	upgrader     websocket.Upgrader
	authenticate func(r *http.Request) (string, error)
	sendBuffer   int
	log          *zap.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
	wg      sync.WaitGroup
}

// NewHub は新しいHubを生成する。
func NewHub(registry *Registry, cfg HubConfig) *Hub {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	sendBuffer := cfg.SendBuffer
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}

	h := &Hub{
		registry:     registry,
		authenticate: cfg.Authenticate,
		sendBuffer:   sendBuffer,
		log:          log,
		clients:      make(map[*client]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(cfg.AllowedOrigins, log),
	}
	return h
}

// originChecker は許可リストに基づくOrigin検査関数を返す。
func originChecker(allowed []string, log *zap.Logger) func(r *http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	wildcard := false
	for _, o := range allowed {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o == "*" {
			wildcard = true
		}
		if o != "" {
			set[o] = struct{}{}
		}
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || wildcard {
			return true
		}
		if _, ok := set[strings.TrimRight(origin, "/")]; ok {
			return true
		}
		log.Warn("許可されていないOriginからのWebSocket接続を拒否しました", zap.String("origin", origin))
		return false
	}
}

// EmitToUser はイベントをユーザーIDのルームへ配信し、配信できた接続数を返す。
func (h *Hub) EmitToUser(userID, event string, data any) (int, error) {
	frame, err := EncodeFrame(event, data)
	if err != nil {
		return 0, err
	}
	return h.registry.EmitToUser(userID, frame), nil
}

// ServeHTTP はWebSocketへのアップグレード要求を処理する。
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		http.Error(w, ErrHubClosed.Error(), http.StatusServiceUnavailable)
		return
	}

	owner := ""
	if h.authenticate != nil {
		var err error
		if owner, err = h.authenticate(r); err != nil {
			if errors.Is(err, ErrUnauthorized) {
				h.log.Warn("不正な資格情報のWebSocket接続を拒否しました", zap.Error(err))
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			h.log.Error("WebSocket接続の認証に失敗", zap.Error(err))
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
			return
		}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade が応答を書き込み済み
		h.log.Debug("WebSocketアップグレードに失敗", zap.Error(err))
		return
	}

	c := &client{
		id:    uuid.New().String(),
		hub:   h,
		conn:  conn,
		owner: owner,
		send:  make(chan []byte, h.sendBuffer),
		done:  make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.wg.Add(2)
	h.mu.Unlock()

	h.log.Debug("WebSocket接続を受け付けました", zap.String("conn_id", c.id), zap.String("owner", owner))

	go c.writePump()
	go c.readPump()
}

// Shutdown は全接続を閉じ、読み書きのgoroutineが終了するまで待つ。
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	h.log.Info("WebSocket接続を閉じます",
		zap.Int("clients", len(h.clients)),
		zap.Int("joined", h.registry.Connections()),
	)
	for c := range h.clients {
		c.close()
	}
	h.mu.Unlock()

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) unregister(c *client) {
	h.registry.Leave(c.id)
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// client は1つのWebSocket接続。Member を満たす。
type client struct {
	id    string
	hub   *Hub
	conn  *websocket.Conn
	owner string
	send  chan []byte
	// done は接続の終了を通知する。send は閉じずに done で終了を伝える。
	done      chan struct{}
	closeOnce sync.Once
}

func (c *client) ID() string { return c.id }

func (c *client) Deliver(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.close()
		_ = c.conn.Close()
		c.hub.wg.Done()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Debug("WebSocket接続が切断されました", zap.String("conn_id", c.id), zap.Error(err))
			}
			return
		}

		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.reply(EventError, "invalid frame")
			continue
		}
		c.handle(f)
	}
}

func (c *client) handle(f Frame) {
	event := f.Event
	if event == "" && f.UserID != "" {
		event = EventJoin
	}

	switch event {
	case EventJoin:
		userID := f.joinTarget()
		if userID == "" {
			c.reply(EventError, "userId is required")
			return
		}
		if c.owner != "" && userID != c.owner {
			c.hub.log.Warn("他ユーザーのルームへのjoinを拒否しました",
				zap.String("conn_id", c.id),
				zap.String("owner", c.owner),
				zap.String("requested", userID),
			)
			c.reply(EventError, "forbidden")
			return
		}
		c.hub.registry.Join(userID, c)
		c.hub.log.Debug("ルームに参加しました",
			zap.String("conn_id", c.id),
			zap.String("user_id", userID),
			zap.Int("members", c.hub.registry.Count(userID)),
		)
		c.reply(EventJoined, userID)
	case EventLeave:
		room, ok := c.hub.registry.RoomOf(c.id)
		if !ok {
			return
		}
		c.hub.registry.Leave(c.id)
		c.hub.log.Debug("ルームから退出しました", zap.String("conn_id", c.id), zap.String("user_id", room))
	default:
		c.hub.log.Debug("未知のイベントを無視しました", zap.String("conn_id", c.id), zap.String("event", event))
	}
}

func (c *client) reply(event string, data any) {
	frame, err := EncodeFrame(event, data)
	if err != nil {
		return
	}
	c.Deliver(frame)
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
		c.hub.wg.Done()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(writeWait),
			)
			return
		}
	}
}
