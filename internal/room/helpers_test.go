package room

import (
	"sync"

	"github.com/jamstage/room-server/internal/notify"
)

// recordingNav は Redirect の呼び出しを記録する Navigator
type recordingNav struct {
	mu    sync.Mutex
	paths []string
}

func (n *recordingNav) Redirect(path string, replace bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.paths = append(n.paths, path)
}

func (n *recordingNav) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.paths)
}

// recordingNotifier は Emit された通知を記録する Notifier
type recordingNotifier struct {
	mu    sync.Mutex
	items []notify.Notification
}

func (r *recordingNotifier) Emit(n notify.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = append(r.items, n)
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}
