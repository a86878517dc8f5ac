package message

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nao1215/ticketing/pkg/event"
	"github.com/nao1215/ticketing/pkg/middleware"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// published は発行されたイベント。
type published struct {
	Topic   event.Topic
	Key     string
	Payload any
}

// fakePublisher は発行したイベントを記録するPublisher。
type fakePublisher struct {
	mu     sync.Mutex
	events []published
	err    error
}

func (p *fakePublisher) Publish(_ context.Context, topic event.Topic, key string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, published{Topic: topic, Key: key, Payload: payload})
	return nil
}

func (p *fakePublisher) Events() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.events...)
}

// setupTestServer はテスト用のメッセージサーバーをインメモリSQLiteで構築する。
func setupTestServer(t *testing.T, publisher Publisher) *Server {
	t.Helper()
	return NewServer("0", setupTestStore(t), publisher, zap.NewNop())
}

// doRequest はgatewayが付与するX-User-IDヘッダー付きでリクエストを実行する。
func doRequest(s *Server, method, path, userID string, body any) *httptest.ResponseRecorder {
	var reqBody bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&reqBody).Encode(body)
	}

	req := httptest.NewRequest(method, path, &reqBody)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set(middleware.HeaderUserID, userID)
	}

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

// sendResponse は送信APIのレスポンス。
type sendResponse struct {
	Message string            `json:"message"`
	Data    event.ChatMessage `json:"data"`
}

func TestHandleSend(t *testing.T) {
	t.Parallel()

	t.Run("メッセージを保存してNEW_MESSAGEを発行する", func(t *testing.T) {
		t.Parallel()

		publisher := &fakePublisher{}
		s := setupTestServer(t, publisher)

		w := doRequest(s, http.MethodPost, "/messages", "u1", map[string]string{"receiver": "u2", "content": "hi"})
		if w.Code != http.StatusCreated {
			t.Fatalf("期待するステータス 201, 実際 %d (%s)", w.Code, w.Body.String())
		}

		var resp sendResponse
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("レスポンスのデコードに失敗: %v", err)
		}
		if resp.Message != "Message sent" || resp.Data.ID == "" || resp.Data.Sender != "u1" || resp.Data.Receiver != "u2" {
			t.Errorf("レスポンスが一致しない: %+v", resp)
		}

		events := publisher.Events()
		if len(events) != 1 {
			t.Fatalf("1件の発行を期待, 実際 %d", len(events))
		}
		if events[0].Topic != event.TopicNewMessage || events[0].Key != "u2" {
			t.Errorf("NEW_MESSAGE/u2 を期待, 実際 %s/%s", events[0].Topic, events[0].Key)
		}
		msg, ok := events[0].Payload.(event.ChatMessage)
		if !ok || msg.ID != resp.Data.ID || msg.Content != "hi" {
			t.Errorf("発行したペイロードが保存したメッセージと一致しない: %+v", events[0].Payload)
		}

		stored, err := s.store.Conversation(t.Context(), "u1", "u2", 10)
		if err != nil || len(stored) != 1 || stored[0].ID != resp.Data.ID {
			t.Errorf("メッセージが保存されていない: %+v, %v", stored, err)
		}
	})

	t.Run("発行に失敗しても201を返す", func(t *testing.T) {
		t.Parallel()

		s := setupTestServer(t, &fakePublisher{err: errors.New("broker down")})

		w := doRequest(s, http.MethodPost, "/messages", "u1", map[string]string{"receiver": "u2", "content": "hi"})
		if w.Code != http.StatusCreated {
			t.Fatalf("期待するステータス 201, 実際 %d", w.Code)
		}
		stored, err := s.store.Conversation(t.Context(), "u1", "u2", 10)
		if err != nil || len(stored) != 1 {
			t.Errorf("メッセージは保存されるべき: %+v, %v", stored, err)
		}
	})

	t.Run("添付だけのメッセージも送信できる", func(t *testing.T) {
		t.Parallel()

		s := setupTestServer(t, &fakePublisher{})

		w := doRequest(s, http.MethodPost, "/messages", "u1", map[string]string{"receiver": "u2", "media": "https://cdn.example/a.png"})
		if w.Code != http.StatusCreated {
			t.Errorf("期待するステータス 201, 実際 %d", w.Code)
		}
	})

	t.Run("不正なリクエストは400", func(t *testing.T) {
		t.Parallel()

		publisher := &fakePublisher{}
		s := setupTestServer(t, publisher)

		tests := []struct {
			name string
			body any
		}{
			{name: "receiverが無い", body: map[string]string{"content": "hi"}},
			{name: "本文も添付も無い", body: map[string]string{"receiver": "u2", "content": "  "}},
			{name: "JSONでない", body: "not-json"},
		}
		for _, tt := range tests {
			w := doRequest(s, http.MethodPost, "/messages", "u1", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("%s: 期待するステータス 400, 実際 %d", tt.name, w.Code)
			}
		}
		if n := len(publisher.Events()); n != 0 {
			t.Errorf("不正なリクエストでは発行しない: %d", n)
		}
	})

	t.Run("X-User-IDが無い場合は401", func(t *testing.T) {
		t.Parallel()

		s := setupTestServer(t, &fakePublisher{})

		w := doRequest(s, http.MethodPost, "/messages", "", map[string]string{"receiver": "u2", "content": "hi"})
		if w.Code != http.StatusUnauthorized {
			t.Errorf("期待するステータス 401, 実際 %d", w.Code)
		}
	})
}

func TestHandleConversation(t *testing.T) {
	t.Parallel()

	t.Run("相手との会話を古い順に返す", func(t *testing.T) {
		t.Parallel()

		s := setupTestServer(t, &fakePublisher{})
		for _, req := range []struct{ from, to, content string }{
			{"u1", "u2", "hello"},
			{"u2", "u1", "hey"},
			{"u1", "u3", "unrelated"},
		} {
			if w := doRequest(s, http.MethodPost, "/messages", req.from, map[string]string{"receiver": req.to, "content": req.content}); w.Code != http.StatusCreated {
				t.Fatalf("送信に失敗: %d", w.Code)
			}
		}

		w := doRequest(s, http.MethodGet, "/messages/u2", "u1", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("期待するステータス 200, 実際 %d", w.Code)
		}
		var resp struct {
			Data []event.ChatMessage `json:"data"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("レスポンスのデコードに失敗: %v", err)
		}
		if len(resp.Data) != 2 || resp.Data[0].Content != "hello" || resp.Data[1].Content != "hey" {
			t.Errorf("会話が一致しない: %+v", resp.Data)
		}
	})

	t.Run("会話が無い場合は空配列", func(t *testing.T) {
		t.Parallel()

		s := setupTestServer(t, &fakePublisher{})

		w := doRequest(s, http.MethodGet, "/messages/nobody", "u1", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("期待するステータス 200, 実際 %d", w.Code)
		}
		if w.Body.String() != `{"data":[]}` {
			t.Errorf("空配列を期待: %s", w.Body.String())
		}
	})

	t.Run("不正なlimitは400", func(t *testing.T) {
		t.Parallel()

		s := setupTestServer(t, &fakePublisher{})

		for _, limit := range []string{"0", "-1", "abc"} {
			if w := doRequest(s, http.MethodGet, "/messages/u2?limit="+limit, "u1", nil); w.Code != http.StatusBadRequest {
				t.Errorf("limit=%s: 期待するステータス 400, 実際 %d", limit, w.Code)
			}
		}
	})
}

func TestHealth(t *testing.T) {
	t.Parallel()

	s := setupTestServer(t, &fakePublisher{})
	w := doRequest(s, http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("期待するステータス 200, 実際 %d", w.Code)
	}
	if w.Body.String() != `{"service":"message","status":"ok"}` {
		t.Errorf("ボディが一致しない: %s", w.Body.String())
	}
}
