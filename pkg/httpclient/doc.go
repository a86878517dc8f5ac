// Package httpclient はgatewayから上流サービスへリクエストを中継するHTTPクライアントを提供する。
//
// 上流のレスポンスはボディまで読み切ってから返すため、呼び出し側は
// 途中で失敗した中途半端なレスポンスをクライアントへ書き出すことがない。
// 中継は一度きりで、リトライはしない。
package httpclient
