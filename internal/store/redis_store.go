package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisDocStore は Redis 上にドキュメントストアを実装します
// ドキュメントは JSON 文字列として保存し、変更通知は Pub/Sub チャンネルで配信します
type RedisDocStore struct{ rdb *redis.Client }

func NewRedisDocStore(rdb *redis.Client) *RedisDocStore {
	return &RedisDocStore{rdb: rdb}
}

func docKey(path string) string {
	return fmt.Sprintf("doc:%s", path)
}
func colKey(path string) string {
	return fmt.Sprintf("col:%s", path)
}
func channel(path string) string {
	return fmt.Sprintf("ch:%s", path)
}

// wrapErr は go-redis のエラーをストアのエラー分類に変換します
func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	if err == redis.Nil {
		return ErrNotFound
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return &TransientError{Err: err}
}

// mergeScript はドキュメントへのフィールドマージをアトミックに行うLuaスクリプト
// ARGV[1]: マージするフィールドのJSON、ARGV[2]: 通知チャンネル、
// ARGV[3]: "1" のときドキュメントが無ければ新規作成する
var mergeScript = redis.NewScript(`
	local cur = redis.call('GET', KEYS[1])
	local doc
	if cur then
		doc = cjson.decode(cur)
	elseif ARGV[3] == '1' then
		doc = {}
	else
		return redis.error_reply('NOTFOUND')
	end
	local patch = cjson.decode(ARGV[1])
	for k, v in pairs(patch) do
		doc[k] = v
	end
	redis.call('SET', KEYS[1], cjson.encode(doc))
	redis.call('PUBLISH', ARGV[2], 'set')
	return 'OK'
`)

func (s *RedisDocStore) GetOne(ctx context.Context, path string) (map[string]any, error) {
	val, err := s.rdb.Get(ctx, docKey(path)).Bytes()
	if err != nil {
		return nil, wrapErr(err)
	}
	var doc map[string]any
	if err := json.Unmarshal(val, &doc); err != nil {
		// 壊れたドキュメントは「無い」扱いにせず、そのまま空で返す
		// 欠損フィールドの扱いは正規化側が吸収する
		return map[string]any{}, nil
	}
	return doc, nil
}

func (s *RedisDocStore) SetOne(ctx context.Context, path string, data any, merge bool) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if merge {
		return wrapErr(mergeScript.Run(ctx, s.rdb, []string{docKey(path)}, string(b), channel(path), "1").Err())
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, docKey(path), b, 0)
	pipe.Publish(ctx, channel(path), "set")
	_, err = pipe.Exec(ctx)
	return wrapErr(err)
}

func (s *RedisDocStore) UpdateFields(ctx context.Context, path string, fields map[string]any) error {
	b, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	err = mergeScript.Run(ctx, s.rdb, []string{docKey(path)}, string(b), channel(path), "0").Err()
	if err != nil && strings.Contains(err.Error(), "NOTFOUND") {
		return ErrNotFound
	}
	return wrapErr(err)
}

func (s *RedisDocStore) DeleteOne(ctx context.Context, path string) error {
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, docKey(path))
	pipe.Publish(ctx, channel(path), "delete")
	_, err := pipe.Exec(ctx)
	return wrapErr(err)
}

func (s *RedisDocStore) Subscribe(ctx context.Context, path string, onData func(map[string]any), onError func(error)) (Unsubscribe, error) {
	ps := s.rdb.Subscribe(ctx, channel(path))
	// 購読確立を待ってから初回スナップショットを読むことで、取りこぼしを防ぐ
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, wrapErr(err)
	}

	subCtx, cancel := context.WithCancel(context.Background())
	deliver := func() {
		doc, err := s.GetOne(subCtx, path)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				onData(nil) // ドキュメント消失は nil で通知
				return
			}
			if subCtx.Err() == nil {
				onError(err)
			}
			return
		}
		onData(doc)
	}

	go func() {
		deliver()
		ch := ps.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if msg.Payload == "delete" {
					onData(nil)
					continue
				}
				deliver()
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			if err := ps.Close(); err != nil {
				log.Printf("failed to close subscription (path=%s): %v", path, err)
			}
		})
	}, nil
}

func (s *RedisDocStore) AddToCollection(ctx context.Context, path, id string, data any) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, colKey(path), id, b)
	pipe.Publish(ctx, channel(path), "set")
	_, err = pipe.Exec(ctx)
	return wrapErr(err)
}

// getCollection はコレクション全体を読み出します
// 配信順は Redis のハッシュ列挙順であり、呼び出し側でのソートが前提です
func (s *RedisDocStore) getCollection(ctx context.Context, path string) ([]map[string]any, error) {
	vals, err := s.rdb.HGetAll(ctx, colKey(path)).Result()
	if err != nil {
		return nil, wrapErr(err)
	}
	items := make([]map[string]any, 0, len(vals))
	for _, v := range vals {
		var doc map[string]any
		if json.Unmarshal([]byte(v), &doc) == nil {
			items = append(items, doc)
		}
	}
	return items, nil
}

func (s *RedisDocStore) SubscribeCollection(ctx context.Context, path string, onData func([]map[string]any), onError func(error)) (Unsubscribe, error) {
	ps := s.rdb.Subscribe(ctx, channel(path))
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, wrapErr(err)
	}

	subCtx, cancel := context.WithCancel(context.Background())
	deliver := func() {
		items, err := s.getCollection(subCtx, path)
		if err != nil {
			if subCtx.Err() == nil {
				onError(err)
			}
			return
		}
		onData(items)
	}

	go func() {
		deliver()
		ch := ps.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				deliver()
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			if err := ps.Close(); err != nil {
				log.Printf("failed to close collection subscription (path=%s): %v", path, err)
			}
		})
	}, nil
}

func (s *RedisDocStore) DeleteCollection(ctx context.Context, path string) error {
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, colKey(path))
	pipe.Publish(ctx, channel(path), "delete")
	_, err := pipe.Exec(ctx)
	return wrapErr(err)
}
