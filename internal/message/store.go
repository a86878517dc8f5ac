package message

import (
	"context"
	"embed"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/nao1215/ticketing/pkg/event"
	"github.com/nao1215/ticketing/pkg/migration"
)

//go:embed migrations/*.sql
var migrations embed.FS

// timeLayout は created_at カラムの書式。固定長なので文字列の比較で時系列順に並ぶ。
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Open はSQLiteデータベースに接続する。
func Open(ctx context.Context, path string) (*sqlx.DB, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sqlx.ConnectContext(ctx, "sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	return db, nil
}

// messageRow は messages テーブルの1行。
type messageRow struct {
	ID        string `db:"id"`
	Sender    string `db:"sender"`
	Receiver  string `db:"receiver"`
	Content   string `db:"content"`
	Media     string `db:"media"`
	CreatedAt string `db:"created_at"`
}

func (r messageRow) toChatMessage() (event.ChatMessage, error) {
	createdAt, err := time.Parse(timeLayout, r.CreatedAt)
	if err != nil {
		return event.ChatMessage{}, fmt.Errorf("作成日時の解析に失敗: %q: %w", r.CreatedAt, err)
	}
	return event.ChatMessage{
		ID:        r.ID,
		Sender:    r.Sender,
		Receiver:  r.Receiver,
		Content:   r.Content,
		Media:     r.Media,
		CreatedAt: createdAt,
	}, nil
}

// Store はメッセージの永続化を行う。
type Store struct {
	db *sqlx.DB
}

// NewStore はStoreを生成する。
func NewStore(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Migrate は未適用のマイグレーションを適用する。
func (s *Store) Migrate(ctx context.Context, log *zap.Logger) error {
	if _, err := migration.Run(ctx, s.db.DB, migrations, "migrations", log); err != nil {
		return fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}
	return nil
}

// Create はメッセージを保存する。
func (s *Store) Create(ctx context.Context, msg event.ChatMessage) error {
	const query = `
		INSERT INTO messages (id, sender, receiver, content, media, created_at)
		VALUES (:id, :sender, :receiver, :content, :media, :created_at)`

	row := messageRow{
		ID:        msg.ID,
		Sender:    msg.Sender,
		Receiver:  msg.Receiver,
		Content:   msg.Content,
		Media:     msg.Media,
		CreatedAt: msg.CreatedAt.UTC().Format(timeLayout),
	}
	if _, err := s.db.NamedExecContext(ctx, query, row); err != nil {
		return fmt.Errorf("メッセージの保存に失敗: %w", err)
	}
	return nil
}

// Conversation は2人のユーザー間のメッセージを古い順に最大limit件返す。
// 作成日時が同じメッセージは保存順に並ぶ。
func (s *Store) Conversation(ctx context.Context, userID, peerID string, limit int) ([]event.ChatMessage, error) {
	const query = `
		SELECT id, sender, receiver, content, media, created_at
		FROM messages
		WHERE (sender = ? AND receiver = ?) OR (sender = ? AND receiver = ?)
		ORDER BY created_at, rowid
		LIMIT ?`

	var rows []messageRow
	if err := s.db.SelectContext(ctx, &rows, query, userID, peerID, peerID, userID, limit); err != nil {
		return nil, fmt.Errorf("会話の取得に失敗: %w", err)
	}

	messages := make([]event.ChatMessage, 0, len(rows))
	for _, r := range rows {
		msg, err := r.toChatMessage()
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, nil
}
