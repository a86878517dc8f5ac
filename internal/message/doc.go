// Package message はチャットメッセージサービスを提供する。
// gatewayの背後で動作し、メッセージをSQLiteに保存してNEW_MESSAGEイベントを発行する。
// 呼び出し元のユーザーはgatewayが付与した X-User-ID ヘッダーで識別する。
package message
