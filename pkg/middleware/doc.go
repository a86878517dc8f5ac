// Package middleware はGinベースのHTTP APIで使用する共通ミドルウェアを提供する。
//
// セッショントークン（JWT）の検証、派生アイデンティティヘッダーの付与と除去、
// ロールによるアクセス制御、構造化アクセスログ、パニックリカバリ、CORS設定を含む。
// gatewayは SessionAuth でヘッダーを確定させ、バックエンドサービスは
// RequireIdentity / RequireRole でそのヘッダーを評価する。
package middleware
