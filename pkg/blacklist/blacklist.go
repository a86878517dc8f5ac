// Package blacklist はログアウト済みセッショントークンの失効リストをRedis上に提供する。
//
// エントリはトークン自身の有効期限までしか保持しない。期限を過ぎたトークンは
// 署名検証の時点で拒否されるため、失効リストに残す必要がない。
package blacklist

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// keyPrefix は失効トークンのキー接頭辞。
const keyPrefix = "blacklist:token:"

// TokenBlacklist はRedisに失効済みトークンを記録する。
type TokenBlacklist struct {
	redis *redis.Client
}

// New はRedisクライアントを指定してTokenBlacklistを生成する。
func New(client *redis.Client) *TokenBlacklist {
	return &TokenBlacklist{redis: client}
}

// Connect はRedisへ接続し、疎通を確認したクライアントを返す。
func Connect(ctx context.Context, addr, password string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("Redisへの接続に失敗: %w", err)
	}
	return client, nil
}

// key はトークンの保存キーを返す。キーにはトークンのSHA-256を用いる。
func key(token string) string {
	sum := sha256.Sum256([]byte(token))
	return keyPrefix + hex.EncodeToString(sum[:])
}

// Revoke はトークンを有効期限まで失効リストに登録する。
// 既に期限切れのトークンは登録しない。
func (b *TokenBlacklist) Revoke(ctx context.Context, token string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return nil
	}
	if err := b.redis.Set(ctx, key(token), "1", ttl).Err(); err != nil {
		return fmt.Errorf("トークンの失効登録に失敗: %w", err)
	}
	return nil
}

// IsRevoked はトークンが失効リストに登録されているかどうかを返す。
func (b *TokenBlacklist) IsRevoked(ctx context.Context, token string) (bool, error) {
	n, err := b.redis.Exists(ctx, key(token)).Result()
	if err != nil {
		return false, fmt.Errorf("失効リストの照会に失敗: %w", err)
	}
	return n > 0, nil
}
