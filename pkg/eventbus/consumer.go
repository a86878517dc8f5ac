package eventbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/nao1215/ticketing/pkg/event"
)

// ErrAlreadyRunning はRunが二重に呼び出されたことを表す。
var ErrAlreadyRunning = errors.New("コンシューマーは既に実行中です")

// DefaultGroupID はgatewayが参加するコンシューマーグループの既定ID。
const DefaultGroupID = "gateway-group"

// commitTimeout はシャットダウン中でも処理済みメッセージのコミットを待つ上限時間。
const commitTimeout = 5 * time.Second

// State はコンシューマーの接続状態を表す。
type State int32

const (
	// StateDisconnected は未接続、または停止済みの状態。
	StateDisconnected State = iota
	// StateConnecting はコンシューマーグループへ参加中の状態。
	StateConnecting
	// StateListening はメッセージを1件以上受信し、グループへの参加が確定した状態。
	StateListening
)

// String は状態名を返す。
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateListening:
		return "listening"
	default:
		return "disconnected"
	}
}

// Message はブローカーから受信した1件のイベント。
type Message struct {
	// Topic はメッセージのトピック。
	Topic event.Topic
	// Key はパーティショニングに使われたキー。
	Key []byte
	// Value はJSONペイロード。
	Value []byte
	// Partition はメッセージのパーティション番号。
	Partition int
	// Offset はパーティション内のオフセット。
	Offset int64
	// Time はブローカーに記録された日時。
	Time time.Time
}

// Handler は受信したメッセージを処理する関数。
// エラーを返してもメッセージは破棄（コミット）され、次のメッセージの受信は継続する。
type Handler func(ctx context.Context, msg Message) error

// messageReader はコンシューマーグループのリーダーを表す。*kafka.Reader が満たす。
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ConsumerConfig はConsumerの設定。
type ConsumerConfig struct {
	// Brokers はブートストラップ用のブローカーアドレス。
	Brokers []string
	// GroupID はコンシューマーグループID。水平スケールしたインスタンス間で共有する。空の場合は DefaultGroupID。
	GroupID string
	// Topics は購読するトピック。
	Topics []event.Topic
}

// Consumer はコンシューマーグループに参加し、メッセージを1件ずつハンドラーへ渡す。
//
// メッセージはハンドラーの処理が終わってからコミットされる（at-least-once）。
// 再配信により同じメッセージが複数回ハンドラーへ渡される可能性がある。
type Consumer struct {
	reader messageReader
	log    *zap.Logger
	state  atomic.Int32

	mu        sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

// NewConsumer はKafkaのコンシューマーグループに参加するConsumerを生成する。
func NewConsumer(cfg ConsumerConfig, log *zap.Logger) *Consumer {
	topics := make([]string, 0, len(cfg.Topics))
	for _, t := range cfg.Topics {
		topics = append(topics, string(t))
	}

	groupID := cfg.GroupID
	if groupID == "" {
		groupID = DefaultGroupID
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		GroupID:     groupID,
		GroupTopics: topics,
		MinBytes:    1,
		MaxBytes:    10e6,
		StartOffset: kafka.LastOffset,
		// 0を指定すると CommitMessages は同期的にコミットする
		CommitInterval: 0,
	})
	return newConsumer(reader, log)
}

func newConsumer(reader messageReader, log *zap.Logger) *Consumer {
	return &Consumer{reader: reader, log: log}
}

// State は現在の接続状態を返す。
func (c *Consumer) State() State {
	return State(c.state.Load())
}

func (c *Consumer) setState(s State) {
	if prev := State(c.state.Swap(int32(s))); prev != s {
		c.log.Info("コンシューマーの状態が変化しました",
			zap.Stringer("from", prev),
			zap.Stringer("to", s),
		)
	}
}

// Run はメッセージの受信ループを実行する。ctxのキャンセルまたはCloseで終了する。
// 正常終了時はnilを返す。受信に失敗した場合は自動再接続せずエラーを返す。
func (c *Consumer) Run(ctx context.Context, handle Handler) error {
	c.mu.Lock()
	if c.done != nil {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	defer close(done)
	defer cancel()
	defer c.setState(StateDisconnected)

	c.setState(StateConnecting)

	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("メッセージの受信に失敗: %w", err)
		}
		// グループへの参加はFetchMessageの初回成功で確定する
		c.setState(StateListening)

		// 受信済みのメッセージはシャットダウン中でも処理とコミットを完了させる
		inflight := context.WithoutCancel(ctx)
		msg := fromKafka(m)
		if err := c.dispatch(inflight, handle, msg); err != nil {
			c.log.Warn("メッセージを破棄しました",
				zap.String("topic", string(msg.Topic)),
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err),
			)
		}

		commitCtx, commitCancel := context.WithTimeout(inflight, commitTimeout)
		err = c.reader.CommitMessages(commitCtx, m)
		commitCancel()
		if err != nil {
			// コミットできなかったメッセージは再配信される
			c.log.Error("オフセットのコミットに失敗",
				zap.String("topic", string(msg.Topic)),
				zap.Int64("offset", msg.Offset),
				zap.Error(err),
			)
		}
	}
}

// dispatch はハンドラーを呼び出す。ハンドラーのパニックは受信ループに波及させない。
func (c *Consumer) dispatch(ctx context.Context, handle Handler, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("ハンドラーがパニックしました: %v", r)
		}
	}()
	return handle(ctx, msg)
}

// Close は受信ループを停止し、処理中のメッセージの完了を待ってから接続を閉じる。
func (c *Consumer) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		cancel, done := c.cancel, c.done
		c.mu.Unlock()

		if cancel != nil {
			cancel()
			<-done
		}
		if closeErr := c.reader.Close(); closeErr != nil {
			err = fmt.Errorf("コンシューマーのクローズに失敗: %w", closeErr)
		}
		c.setState(StateDisconnected)
	})
	return err
}

func fromKafka(m kafka.Message) Message {
	return Message{
		Topic:     event.Topic(m.Topic),
		Key:       m.Key,
		Value:     m.Value,
		Partition: m.Partition,
		Offset:    m.Offset,
		Time:      m.Time,
	}
}
