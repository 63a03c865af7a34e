// Package notify はユーザー向け通知の送出先を抽象化します
// 通知は fire-and-forget であり、送出が呼び出し元をブロックすることはありません
package notify

import "log"

// 通知の重要度
const (
	SeverityInfo    = "info"
	SeverityWarning = "warning"
	SeverityError   = "error"
)

// Notification は1件のユーザー向け通知を表します
type Notification struct {
	Title    string `json:"title"`    // タイトル
	Message  string `json:"message"`  // 本文
	Severity string `json:"severity"` // 重要度（info / warning / error）
}

// Notifier は通知の送出先インターフェース
type Notifier interface {
	Emit(n Notification)
}

// LogNotifier は通知をログに書くだけのフォールバック実装です
type LogNotifier struct{}

func (LogNotifier) Emit(n Notification) {
	log.Printf("notification [%s] %s: %s", n.Severity, n.Title, n.Message)
}
