// Package realtime はWebSocket接続の管理とユーザー単位の配信を提供する。
//
// 各接続はクライアントが join で名乗ったユーザーIDのルームに所属する。
// Registry はユーザーIDから接続集合への対応を保持し、
// Hub はWebSocketエンドポイントとして接続の受け入れ・読み書き・切断を担う。
// ルームは揮発的であり、プロセスの再起動で失われる。
package realtime
