package eventbus

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/nao1215/ticketing/pkg/event"
)

// messageWriter はメッセージの書き込みAPIを表す。*kafka.Writer が満たす。
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer はドメインイベントをトピックへ発行する。バックエンドサービスが使用する。
type Producer struct {
	writer messageWriter
	log    *zap.Logger
}

// NewProducer はKafkaへ書き込むProducerを生成する。
// 同じキーのメッセージは同じパーティションに送られ、順序が保たれる。
func NewProducer(brokers []string, log *zap.Logger) *Producer {
	return newProducer(&kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: false,
		BatchTimeout:           10 * time.Millisecond,
	}, log)
}

func newProducer(writer messageWriter, log *zap.Logger) *Producer {
	return &Producer{writer: writer, log: log}
}

// Publish はpayloadをJSONにシリアライズしてトピックへ発行する。
func (p *Producer) Publish(ctx context.Context, topic event.Topic, key string, payload any) error {
	value, err := event.Encode(payload)
	if err != nil {
		return err
	}

	msg := kafka.Message{Topic: string(topic), Value: value}
	if key != "" {
		msg.Key = []byte(key)
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("トピック %s へのイベント発行に失敗: %w", topic, err)
	}
	p.log.Debug("イベントを発行しました", zap.String("topic", string(topic)), zap.String("key", key))
	return nil
}

// Close は未送信のメッセージを送り切ってから接続を閉じる。
func (p *Producer) Close() error {
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("プロデューサーのクローズに失敗: %w", err)
	}
	return nil
}
