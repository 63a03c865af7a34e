// Package idgen はルームID・参加コード・メッセージIDの生成を提供します
package idgen

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewULID は時系列順にソート可能な一意IDを生成します
// チャットメッセージのIDとして使うことで、描画キーがそのまま安定ソートキーになります
func NewULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now().UTC()), entropy).String()
}

// NewRoomID は7文字の英数字ルームIDを生成します
func NewRoomID() (string, error) {
	return randomCode(7)
}

// NewJoinCode はプライベートルーム用の6文字の参加コードを生成します
func NewJoinCode() (string, error) {
	return randomCode(6)
}

func randomCode(n int) (string, error) {
	const chars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	for i := range b {
		b[i] = chars[b[i]%byte(len(chars))]
	}
	return string(b), nil
}
