package store

import (
	"context"
	"encoding/json"
	"sync"
)

// MemStore は DocStore のインメモリ実装です
// テストとローカル開発用で、通知は書き込み元の goroutine から同期的に配信されます
type MemStore struct {
	mu      sync.Mutex
	docs    map[string]map[string]any
	cols    map[string]map[string]map[string]any
	docSubs map[string]map[int]func(map[string]any)
	colSubs map[string]map[int]func([]map[string]any)
	nextSub int
	failErr error
}

func NewMemStore() *MemStore {
	return &MemStore{
		docs:    make(map[string]map[string]any),
		cols:    make(map[string]map[string]map[string]any),
		docSubs: make(map[string]map[int]func(map[string]any)),
		colSubs: make(map[string]map[int]func([]map[string]any)),
	}
}

// SetFailure は以降の全操作を指定のエラーで失敗させます（nil で解除）
func (s *MemStore) SetFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = err
}

// copyDoc は JSON ラウンドトリップでドキュメントの独立したコピーを作ります
func copyDoc(doc map[string]any) map[string]any {
	if doc == nil {
		return nil
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return map[string]any{}
	}
	return out
}

func toDoc(data any) map[string]any {
	b, err := json.Marshal(data)
	if err != nil {
		return map[string]any{}
	}
	var doc map[string]any
	if err := json.Unmarshal(b, &doc); err != nil {
		return map[string]any{}
	}
	return doc
}

func (s *MemStore) GetOne(ctx context.Context, path string) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return nil, s.failErr
	}
	doc, ok := s.docs[path]
	if !ok {
		return nil, ErrNotFound
	}
	return copyDoc(doc), nil
}

// notifyDoc はロックを持たずに購読者へスナップショットを配る
func (s *MemStore) notifyDoc(path string, doc map[string]any) {
	s.mu.Lock()
	subs := make([]func(map[string]any), 0, len(s.docSubs[path]))
	for _, fn := range s.docSubs[path] {
		subs = append(subs, fn)
	}
	s.mu.Unlock()
	for _, fn := range subs {
		fn(copyDoc(doc))
	}
}

func (s *MemStore) notifyCol(path string) {
	s.mu.Lock()
	items := s.collectionLocked(path)
	subs := make([]func([]map[string]any), 0, len(s.colSubs[path]))
	for _, fn := range s.colSubs[path] {
		subs = append(subs, fn)
	}
	s.mu.Unlock()
	for _, fn := range subs {
		fn(items)
	}
}

func (s *MemStore) SetOne(ctx context.Context, path string, data any, merge bool) error {
	s.mu.Lock()
	if s.failErr != nil {
		err := s.failErr
		s.mu.Unlock()
		return err
	}
	doc := toDoc(data)
	if merge {
		if cur, ok := s.docs[path]; ok {
			merged := copyDoc(cur)
			for k, v := range doc {
				merged[k] = v
			}
			doc = merged
		}
	}
	s.docs[path] = doc
	snapshot := copyDoc(doc)
	s.mu.Unlock()
	s.notifyDoc(path, snapshot)
	return nil
}

func (s *MemStore) UpdateFields(ctx context.Context, path string, fields map[string]any) error {
	s.mu.Lock()
	if s.failErr != nil {
		err := s.failErr
		s.mu.Unlock()
		return err
	}
	cur, ok := s.docs[path]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	merged := copyDoc(cur)
	for k, v := range toDoc(fields) {
		merged[k] = v
	}
	s.docs[path] = merged
	snapshot := copyDoc(merged)
	s.mu.Unlock()
	s.notifyDoc(path, snapshot)
	return nil
}

func (s *MemStore) DeleteOne(ctx context.Context, path string) error {
	s.mu.Lock()
	if s.failErr != nil {
		err := s.failErr
		s.mu.Unlock()
		return err
	}
	delete(s.docs, path)
	s.mu.Unlock()
	s.notifyDoc(path, nil)
	return nil
}

func (s *MemStore) Subscribe(ctx context.Context, path string, onData func(map[string]any), onError func(error)) (Unsubscribe, error) {
	s.mu.Lock()
	if s.failErr != nil {
		err := s.failErr
		s.mu.Unlock()
		return nil, err
	}
	s.nextSub++
	id := s.nextSub
	if s.docSubs[path] == nil {
		s.docSubs[path] = make(map[int]func(map[string]any))
	}
	s.docSubs[path][id] = onData
	doc, ok := s.docs[path]
	var initial map[string]any
	if ok {
		initial = copyDoc(doc)
	}
	s.mu.Unlock()

	onData(initial)

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.docSubs[path], id)
			s.mu.Unlock()
		})
	}, nil
}

func (s *MemStore) AddToCollection(ctx context.Context, path, id string, data any) error {
	s.mu.Lock()
	if s.failErr != nil {
		err := s.failErr
		s.mu.Unlock()
		return err
	}
	if s.cols[path] == nil {
		s.cols[path] = make(map[string]map[string]any)
	}
	s.cols[path][id] = toDoc(data)
	s.mu.Unlock()
	s.notifyCol(path)
	return nil
}

func (s *MemStore) collectionLocked(path string) []map[string]any {
	items := make([]map[string]any, 0, len(s.cols[path]))
	for _, doc := range s.cols[path] {
		items = append(items, copyDoc(doc))
	}
	return items
}

func (s *MemStore) SubscribeCollection(ctx context.Context, path string, onData func([]map[string]any), onError func(error)) (Unsubscribe, error) {
	s.mu.Lock()
	if s.failErr != nil {
		err := s.failErr
		s.mu.Unlock()
		return nil, err
	}
	s.nextSub++
	id := s.nextSub
	if s.colSubs[path] == nil {
		s.colSubs[path] = make(map[int]func([]map[string]any))
	}
	s.colSubs[path][id] = onData
	initial := s.collectionLocked(path)
	s.mu.Unlock()

	onData(initial)

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.colSubs[path], id)
			s.mu.Unlock()
		})
	}, nil
}

func (s *MemStore) DeleteCollection(ctx context.Context, path string) error {
	s.mu.Lock()
	if s.failErr != nil {
		err := s.failErr
		s.mu.Unlock()
		return err
	}
	delete(s.cols, path)
	s.mu.Unlock()
	s.notifyCol(path)
	return nil
}
