// Package eventbus はKafkaを用いたサービス間イベントバスのクライアントを提供する。
//
// トピックのプロビジョニング（EnsureTopics）、バックエンドサービスが使う発行側（Producer）、
// gatewayが使う購読側（Consumer）からなる。接続はすべて呼び出し側が生成・所有し、
// パッケージレベルのグローバル接続は持たない。
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/nao1215/ticketing/pkg/event"
)

// TopicSpec はプロビジョニングするトピックの設定。
type TopicSpec struct {
	// Name はトピック名。
	Name event.Topic
	// Partitions はパーティション数。
	Partitions int
	// ReplicationFactor はレプリケーション係数。
	ReplicationFactor int
}

// TopicSpecs は指定トピックすべてに同じパーティション数とレプリケーション係数を適用する。
func TopicSpecs(topics []event.Topic, partitions, replication int) []TopicSpec {
	specs := make([]TopicSpec, 0, len(topics))
	for _, t := range topics {
		specs = append(specs, TopicSpec{Name: t, Partitions: partitions, ReplicationFactor: replication})
	}
	return specs
}

// topicCreator はトピック作成APIを表す。*kafka.Client が満たす。
type topicCreator interface {
	CreateTopics(ctx context.Context, req *kafka.CreateTopicsRequest) (*kafka.CreateTopicsResponse, error)
}

// Admin はトピックの管理操作を行うクライアント。
type Admin struct {
	creator topicCreator
	addr    net.Addr
	log     *zap.Logger
}

// NewAdmin はブローカーアドレスを指定してAdminを生成する。
func NewAdmin(brokers []string, log *zap.Logger) *Admin {
	addr := kafka.TCP(brokers...)
	return &Admin{
		creator: &kafka.Client{Addr: addr},
		addr:    addr,
		log:     log,
	}
}

// EnsureTopics は指定トピックが存在しなければ作成する。
// 既に存在するトピックは成功として扱うため、何度呼び出しても安全である。
func (a *Admin) EnsureTopics(ctx context.Context, specs []TopicSpec) error {
	if len(specs) == 0 {
		return nil
	}

	configs := make([]kafka.TopicConfig, 0, len(specs))
	for _, s := range specs {
		configs = append(configs, kafka.TopicConfig{
			Topic:             string(s.Name),
			NumPartitions:     s.Partitions,
			ReplicationFactor: s.ReplicationFactor,
		})
	}

	resp, err := a.creator.CreateTopics(ctx, &kafka.CreateTopicsRequest{
		Addr:   a.addr,
		Topics: configs,
	})
	if err != nil {
		return fmt.Errorf("トピック作成リクエストに失敗: %w", err)
	}

	var errs []error
	for _, s := range specs {
		topicErr := resp.Errors[string(s.Name)]
		switch {
		case topicErr == nil:
			a.log.Info("トピックを作成しました",
				zap.String("topic", string(s.Name)),
				zap.Int("partitions", s.Partitions),
				zap.Int("replication_factor", s.ReplicationFactor),
			)
		case errors.Is(topicErr, kafka.TopicAlreadyExists):
			a.log.Debug("トピックは既に存在します", zap.String("topic", string(s.Name)))
		default:
			errs = append(errs, fmt.Errorf("トピック %s の作成に失敗: %w", s.Name, topicErr))
		}
	}
	return errors.Join(errs...)
}
