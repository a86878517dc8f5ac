package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/nao1215/ticketing/pkg/event"
	"github.com/nao1215/ticketing/pkg/eventbus"
)

var (
	// ErrMalformedEvent はペイロードがJSONとして解釈できない、または必須項目が無いことを表す。
	ErrMalformedEvent = errors.New("イベントのペイロードが不正です")
	// ErrUnroutableEvent はハンドラーが登録されていないトピックであることを表す。
	ErrUnroutableEvent = errors.New("配信先の無いトピックです")
)

// Emitter はユーザーのリアルタイム接続へイベントを配信する。ブロックしてはならない。
type Emitter interface {
	// EmitToUser はイベントを配信し、配信できた接続数を返す。接続が無い場合は0でありエラーではない。
	EmitToUser(userID, event string, data any) (int, error)
}

// TopicHandler は1つのトピックのメッセージを処理する関数。
type TopicHandler func(ctx context.Context, msg eventbus.Message) error

// TopicRouter はブローカーから受信したメッセージをトピックごとのハンドラーへ振り分ける。
// ハンドラーの登録は Consumer の実行前に済ませること。
type TopicRouter struct {
	emitter  Emitter
	log      *zap.Logger
	handlers map[event.Topic]TopicHandler
}

// NewTopicRouter は NEW_MESSAGE と STOCK_UPDATED のハンドラーを登録済みのTopicRouterを生成する。
func NewTopicRouter(emitter Emitter, log *zap.Logger) *TopicRouter {
	r := &TopicRouter{
		emitter:  emitter,
		log:      log,
		handlers: make(map[event.Topic]TopicHandler),
	}
	r.Handle(event.TopicNewMessage, r.handleNewMessage)
	r.Handle(event.TopicStockUpdated, r.handleStockUpdated)
	return r
}

// Handle はトピックのハンドラーを登録する。既存の登録は置き換える。
func (r *TopicRouter) Handle(topic event.Topic, fn TopicHandler) {
	r.handlers[topic] = fn
}

// Topics はハンドラーが登録されているトピックを返す。
func (r *TopicRouter) Topics() []event.Topic {
	topics := make([]event.Topic, 0, len(r.handlers))
	for t := range r.handlers {
		topics = append(topics, t)
	}
	return topics
}

// Dispatch はメッセージをトピックのハンドラーへ渡す。eventbus.Handler として使用する。
// JSONでないペイロードは ErrMalformedEvent、未登録のトピックは ErrUnroutableEvent を返す。
func (r *TopicRouter) Dispatch(ctx context.Context, msg eventbus.Message) error {
	if !json.Valid(msg.Value) {
		return fmt.Errorf("%w: topic=%s", ErrMalformedEvent, msg.Topic)
	}
	handle, ok := r.handlers[msg.Topic]
	if !ok {
		return fmt.Errorf("%w: topic=%s", ErrUnroutableEvent, msg.Topic)
	}
	return handle(ctx, msg)
}

// handleNewMessage はチャットメッセージを受信者のルームへ配信する。
// ペイロードは受信者だけを取り出し、そのままクライアントへ渡す。
func (r *TopicRouter) handleNewMessage(_ context.Context, msg eventbus.Message) error {
	target, err := event.Decode[event.Recipient](msg.Value)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}
	receiver := strings.TrimSpace(target.Receiver)
	if receiver == "" {
		return fmt.Errorf("%w: receiverがありません", ErrMalformedEvent)
	}

	delivered, err := r.emitter.EmitToUser(receiver, event.RealtimeNewMessage, json.RawMessage(msg.Value))
	if err != nil {
		return fmt.Errorf("リアルタイム配信に失敗: %w", err)
	}
	r.log.Debug("チャットメッセージを配信しました",
		zap.String("receiver", receiver),
		zap.Int("connections", delivered),
		zap.Int64("offset", msg.Offset),
	)
	return nil
}

// handleStockUpdated は在庫変化を記録する。クライアントへの配信は行わない。
func (r *TopicRouter) handleStockUpdated(_ context.Context, msg eventbus.Message) error {
	stock, err := event.Decode[event.StockUpdated](msg.Value)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}

	r.log.Info("在庫が更新されました",
		zap.String("event_id", stock.EventID),
		zap.String("ticket_type_id", stock.TicketTypeID),
		zap.Int("available", stock.Available),
		zap.Time("updated_at", stock.UpdatedAt),
	)
	return nil
}
