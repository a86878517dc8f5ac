// Package event はサービス間でブローカー経由でやり取りするドメインイベントを定義する。
//
// イベントは不変かつ一時的なものであり、gatewayは永続化も再生もしない。
// 順序はパーティション内でのみ保証される。
package event

import "time"

// Topic はブローカー上のイベントチャネル名を表す。
type Topic string

const (
	// TopicNewMessage は新しいチャットメッセージが作成されたことを表す。
	TopicNewMessage Topic = "NEW_MESSAGE"
	// TopicStockUpdated はチケットの在庫数が変化したことを表す。
	TopicStockUpdated Topic = "STOCK_UPDATED"
)

// Topics はプロセス起動時にプロビジョニングするトピックの一覧を返す。
func Topics() []Topic {
	return []Topic{TopicNewMessage, TopicStockUpdated}
}

// RealtimeNewMessage はチャットメッセージをクライアントへ配信する際のリアルタイムイベント名。
const RealtimeNewMessage = "new-message"

// ChatMessage はNEW_MESSAGEイベントのペイロード。
type ChatMessage struct {
	// ID はメッセージの一意識別子。重複配信をクライアント側で除去するために使う。
	ID string `json:"id"`
	// Sender は送信者のユーザーID。
	Sender string `json:"sender"`
	// Receiver は受信者のユーザーID。配信先ルーム名になる。
	Receiver string `json:"receiver"`
	// Content はメッセージ本文。
	Content string `json:"content"`
	// Media は添付メディアの参照（URL等）。添付が無い場合は空。
	Media string `json:"media,omitempty"`
	// CreatedAt はメッセージの作成日時。
	CreatedAt time.Time `json:"createdAt"`
}

// Recipient はNEW_MESSAGEペイロードから配信先だけを取り出すビュー。
// 作成日時など配信に不要な項目は解釈しない。
type Recipient struct {
	// Receiver は受信者のユーザーID。
	Receiver string `json:"receiver"`
}

// StockUpdated はSTOCK_UPDATEDイベントのペイロード。
type StockUpdated struct {
	// EventID は在庫が変化したイベント（公演）のID。
	EventID string `json:"eventId"`
	// TicketTypeID は在庫が変化したチケット種別のID。
	TicketTypeID string `json:"ticketTypeId,omitempty"`
	// Available は残り在庫数。
	Available int `json:"available"`
	// UpdatedAt は在庫が変化した日時。
	UpdatedAt time.Time `json:"updatedAt"`
}
