// Package room はルームのライフサイクルとプレゼンスのプロトコルを実装します
// 共有ドキュメントストア上のルームドキュメントを購読し、正規化・ハートビート・
// 空室クリーンアップ・強制退出検知をスナップショットごとに駆動します
package room

import (
	"sync"
	"time"
)

// Clock は現在時刻の取得と遅延実行を提供します
// テストでは仮想時計を注入して、実時間を待たずにタイマーを進められます
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, fn func()) *Deferred
}

type realClock struct{}

// NewClock は time パッケージをそのまま使う Clock を返します
func NewClock() Clock { return realClock{} }

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, fn func()) *Deferred {
	t := time.AfterFunc(d, fn)
	return &Deferred{stop: t.Stop}
}

// Deferred はキャンセル可能な遅延アクションのハンドルです
// nil ハンドルや既にキャンセル済みのハンドルへの Cancel は安全な no-op です
type Deferred struct {
	mu       sync.Mutex
	stop     func() bool
	canceled bool
}

// Cancel は遅延アクションを取り消します
// 既に発火済みの場合は何も起きません
func (d *Deferred) Cancel() {
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.canceled {
		return
	}
	d.canceled = true
	if d.stop != nil {
		d.stop()
	}
}

// Navigator は画面遷移の指示先を抽象化します
// クリーンアップと強制退出検知だけが使用します
type Navigator interface {
	Redirect(path string, replace bool)
}
