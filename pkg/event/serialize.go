package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewChatMessage は新しいChatMessageを生成する。IDと作成日時はここで採番する。
func NewChatMessage(sender, receiver, content, media string) ChatMessage {
	return ChatMessage{
		ID:        uuid.New().String(),
		Sender:    sender,
		Receiver:  receiver,
		Content:   content,
		Media:     media,
		CreatedAt: time.Now().UTC(),
	}
}

// Encode はペイロードをブローカーに載せるJSONにシリアライズする。
func Encode(payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("イベントデータのシリアライズに失敗: %w", err)
	}
	return data, nil
}

// Decode はブローカーから受け取ったJSONを指定された型にデシリアライズする。
func Decode[T any](data []byte) (*T, error) {
	var payload T
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("イベントデータのデシリアライズに失敗: %w", err)
	}
	return &payload, nil
}
