package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/nao1215/ticketing/pkg/event"
	"github.com/nao1215/ticketing/pkg/eventbus"
)

// emitted はfakeEmitterが受け取った1件の配信。
type emitted struct {
	userID string
	event  string
	data   any
}

type fakeEmitter struct {
	mu    sync.Mutex
	calls []emitted
	err   error
}

func (f *fakeEmitter) EmitToUser(userID, ev string, data any) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return 0, f.err
	}
	f.calls = append(f.calls, emitted{userID: userID, event: ev, data: data})
	return 1, nil
}

func message(topic event.Topic, value string) eventbus.Message {
	return eventbus.Message{Topic: topic, Value: []byte(value)}
}

func TestTopicRouterDispatch(t *testing.T) {
	t.Parallel()

	t.Run("チャットメッセージは受信者にだけ配信される", func(t *testing.T) {
		t.Parallel()

		emitter := &fakeEmitter{}
		router := NewTopicRouter(emitter, zap.NewNop())
		payload := `{"sender":"u1","receiver":"u2","content":"hi","createdAt":"2024-05-01 10:00"}`

		if err := router.Dispatch(context.Background(), message(event.TopicNewMessage, payload)); err != nil {
			t.Fatalf("Dispatchでエラー: %v", err)
		}
		if len(emitter.calls) != 1 {
			t.Fatalf("期待する配信数 1, 実際 %d", len(emitter.calls))
		}
		call := emitter.calls[0]
		if call.userID != "u2" {
			t.Errorf("配信先はu2であるべき: %s", call.userID)
		}
		if call.event != event.RealtimeNewMessage {
			t.Errorf("期待するイベント %s, 実際 %s", event.RealtimeNewMessage, call.event)
		}
		raw, ok := call.data.(json.RawMessage)
		if !ok || string(raw) != payload {
			t.Errorf("ペイロードはそのまま配信されるべき: %v", call.data)
		}
	})

	t.Run("JSONでないペイロードはErrMalformedEvent", func(t *testing.T) {
		t.Parallel()

		emitter := &fakeEmitter{}
		router := NewTopicRouter(emitter, zap.NewNop())

		err := router.Dispatch(context.Background(), message(event.TopicNewMessage, "not json"))
		if !errors.Is(err, ErrMalformedEvent) {
			t.Fatalf("ErrMalformedEventを期待, 実際 %v", err)
		}
		if len(emitter.calls) != 0 {
			t.Error("配信されてはならない")
		}
	})

	t.Run("受信者が無いチャットメッセージはErrMalformedEvent", func(t *testing.T) {
		t.Parallel()

		router := NewTopicRouter(&fakeEmitter{}, zap.NewNop())
		for _, payload := range []string{`{"sender":"u1","content":"hi"}`, `{"receiver":"  "}`, `[1,2]`} {
			err := router.Dispatch(context.Background(), message(event.TopicNewMessage, payload))
			if !errors.Is(err, ErrMalformedEvent) {
				t.Errorf("%s: ErrMalformedEventを期待, 実際 %v", payload, err)
			}
		}
	})

	t.Run("未知のトピックはErrUnroutableEvent", func(t *testing.T) {
		t.Parallel()

		router := NewTopicRouter(&fakeEmitter{}, zap.NewNop())
		err := router.Dispatch(context.Background(), message("ORDER_PLACED", `{}`))
		if !errors.Is(err, ErrUnroutableEvent) {
			t.Fatalf("ErrUnroutableEventを期待, 実際 %v", err)
		}
	})

	t.Run("在庫更新は配信せず記録だけする", func(t *testing.T) {
		t.Parallel()

		core, logs := observer.New(zapcore.InfoLevel)
		emitter := &fakeEmitter{}
		router := NewTopicRouter(emitter, zap.New(core))

		err := router.Dispatch(context.Background(), message(event.TopicStockUpdated, `{"eventId":"e1","available":3}`))
		if err != nil {
			t.Fatalf("Dispatchでエラー: %v", err)
		}
		if len(emitter.calls) != 0 {
			t.Error("在庫更新はクライアントへ配信しない")
		}

		entries := logs.FilterMessage("在庫が更新されました").All()
		if len(entries) != 1 {
			t.Fatalf("在庫更新のログが1件出力されるべき: %d", len(entries))
		}
		fields := entries[0].ContextMap()
		if fields["event_id"] != "e1" || fields["available"] != int64(3) {
			t.Errorf("ログの項目が一致しない: %v", fields)
		}
	})

	t.Run("在庫数が数値でない在庫更新はErrMalformedEvent", func(t *testing.T) {
		t.Parallel()

		router := NewTopicRouter(&fakeEmitter{}, zap.NewNop())
		err := router.Dispatch(context.Background(), message(event.TopicStockUpdated, `{"eventId":"e1","available":"many"}`))
		if !errors.Is(err, ErrMalformedEvent) {
			t.Fatalf("ErrMalformedEventを期待, 実際 %v", err)
		}
	})

	t.Run("配信の失敗はエラーとして返る", func(t *testing.T) {
		t.Parallel()

		emitter := &fakeEmitter{err: errors.New("encode failed")}
		router := NewTopicRouter(emitter, zap.NewNop())

		err := router.Dispatch(context.Background(), message(event.TopicNewMessage, `{"receiver":"u2"}`))
		if err == nil {
			t.Fatal("エラーを期待したがnilだった")
		}
	})

	t.Run("Handleで登録したトピックが振り分けられる", func(t *testing.T) {
		t.Parallel()

		router := NewTopicRouter(&fakeEmitter{}, zap.NewNop())
		var got string
		router.Handle("ORDER_PLACED", func(_ context.Context, msg eventbus.Message) error {
			got = string(msg.Value)
			return nil
		})

		if err := router.Dispatch(context.Background(), message("ORDER_PLACED", `{"id":"o1"}`)); err != nil {
			t.Fatalf("Dispatchでエラー: %v", err)
		}
		if got != `{"id":"o1"}` {
			t.Errorf("登録したハンドラーが呼ばれていない: %q", got)
		}
		if len(router.Topics()) != 3 {
			t.Errorf("登録トピック数は3であるべき: %v", router.Topics())
		}
	})
}
