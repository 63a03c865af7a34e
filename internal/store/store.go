// Package store はルームドキュメントを共有するドキュメントストアへのアクセスを提供します
// ストアは read / write / delete / subscribe のプリミティブのみを提供し、
// クライアント間のロックやトランザクションは存在しません
package store

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound はドキュメントが存在しないことを表します（リトライ不可の確定エラー）
var ErrNotFound = errors.New("document not found")

// TransientError はネットワーク断やタイムアウトなど、リトライ可能な一時エラーを表します
// 購読レイヤーや次のハートビートで自己回復するため、呼び出し側は致命扱いしません
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient store error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient はエラーが一時エラーかどうかを判定します
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// Unsubscribe は購読を解除します
// 二重呼び出しは安全な no-op です
type Unsubscribe func()

// DocStore はドキュメントストアへの操作を定義するインターフェース
// ドキュメントは JSON オブジェクト（map）、コレクションは ID つきドキュメントの集合です
type DocStore interface {
	// GetOne はドキュメントを1件取得します
	// 存在しない場合は ErrNotFound を返します
	GetOne(ctx context.Context, path string) (map[string]any, error)

	// SetOne はドキュメントを書き込みます
	// merge が true の場合は既存フィールドを残したままマージします
	SetOne(ctx context.Context, path string, data any, merge bool) error

	// UpdateFields は指定フィールドのみを更新します
	// ドキュメントが存在しない場合は ErrNotFound を返します
	UpdateFields(ctx context.Context, path string, fields map[string]any) error

	// DeleteOne はドキュメントを削除します（存在しない場合も成功扱い）
	DeleteOne(ctx context.Context, path string) error

	// Subscribe はドキュメントの変更通知を購読します
	// 購読直後に現時点のスナップショットが1回配信され、以降は変更のたびに配信されます
	// ドキュメントが存在しない／削除された場合、onData には nil が渡ります
	Subscribe(ctx context.Context, path string, onData func(map[string]any), onError func(error)) (Unsubscribe, error)

	// AddToCollection はコレクションに ID つきドキュメントを1件追加します
	AddToCollection(ctx context.Context, path, id string, data any) error

	// SubscribeCollection はコレクション全体の変更通知を購読します
	// 配信順はストア依存であり、タイムスタンプ順は保証されません
	SubscribeCollection(ctx context.Context, path string, onData func([]map[string]any), onError func(error)) (Unsubscribe, error)

	// DeleteCollection はコレクション全体を削除します
	DeleteCollection(ctx context.Context, path string) error
}

// RoomPath はルームドキュメントのパスを返します
func RoomPath(roomId string) string {
	return "rooms/" + roomId
}

// ChatPath はルームのチャットメッセージコレクションのパスを返します
func ChatPath(roomId string) string {
	return "rooms/" + roomId + "/messages"
}
