// Package gateway はAPI Gatewayサービスの内部実装を提供する。
//
// 外部からアクセス可能な唯一のサービスであり、セキュリティの境界線として機能する。
// /api 配下のリクエストのセッショントークンを検証し、検証済みのアイデンティティを
// ヘッダーに付与してバックエンドサービスへ中継する。また、ブローカーから受信した
// イベントを宛先ユーザーのリアルタイム接続へ配信する。
package gateway
