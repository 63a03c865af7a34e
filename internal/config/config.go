// Package config はアプリケーションの設定を管理します
// 環境変数から設定を読み込み、デフォルト値を提供します
package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultAPIAddr   = ":8080"          // APIサーバーのデフォルトリッスンアドレス
	defaultRedisAddr = "localhost:6379" // Redisのデフォルト接続先
	defaultJWTSecret = "dev-secret"     // JWT署名鍵のデフォルト（本番では必ず上書きする）

	defaultHeartbeatInterval = 30 * time.Second        // ハートビートの送信間隔
	defaultStaleThreshold    = 90 * time.Second        // ハートビートがこの時間途絶えたら不活性とみなす
	defaultJoinGrace         = 30 * time.Second        // 参加直後はハートビート未着でもアクティブ扱いする猶予
	defaultCleanupDebounce   = 10 * time.Second        // 空室判定の再評価を抑制する時間
	defaultDestroyGrace      = 15 * time.Second        // 空室と判断してから実際に破棄するまでの猶予
	defaultLoadTimeout       = 8 * time.Second         // ルーム読み込みの最大待ち時間
	defaultRemovalDelay      = 100 * time.Millisecond  // 除外通知からリダイレクトまでの待ち時間
	defaultMaxParticipants   = 8                       // ルームのデフォルト最大人数
)

// defaultAllowedOrigins はCORSで許可するデフォルトのオリジン一覧
var defaultAllowedOrigins = []string{
	"http://localhost:3000",
	"http://localhost:3001",
}

// Config はアプリケーションの設定を保持します
type Config struct {
	APIAddr       string   // APIサーバーのリッスンアドレス
	RedisAddr     string   // Redisの接続先
	JWTSecret     string   // JWT署名鍵
	AllowedOrigin []string // CORSで許可するオリジン一覧

	MaxParticipants int // ルームのデフォルト最大人数

	// ルームライフサイクルのタイミング設定
	HeartbeatInterval time.Duration // ハートビートの送信間隔
	StaleThreshold    time.Duration // ハートビート途絶の閾値
	JoinGrace         time.Duration // 参加直後の猶予
	CleanupDebounce   time.Duration // 空室判定のデバウンス
	DestroyGrace      time.Duration // 破棄までの猶予
	LoadTimeout       time.Duration // 読み込みタイムアウト
	RemovalDelay      time.Duration // 除外通知からリダイレクトまでの遅延
}

// Load は環境変数から設定を読み込みます
// 環境変数が設定されていない場合はデフォルト値を使用します
func Load() Config {
	return Config{
		APIAddr:           envOr("API_ADDR", defaultAPIAddr),
		RedisAddr:         envOr("REDIS_ADDR", defaultRedisAddr),
		JWTSecret:         envOr("JWT_SECRET", defaultJWTSecret),
		AllowedOrigin:     envCSV("CORS_ALLOWED_ORIGINS", defaultAllowedOrigins),
		MaxParticipants:   envInt("ROOM_MAX_PARTICIPANTS", defaultMaxParticipants),
		HeartbeatInterval: envSec("HEARTBEAT_INTERVAL_SEC", defaultHeartbeatInterval),
		StaleThreshold:    envSec("HEARTBEAT_STALE_SEC", defaultStaleThreshold),
		JoinGrace:         envSec("JOIN_GRACE_SEC", defaultJoinGrace),
		CleanupDebounce:   envSec("CLEANUP_DEBOUNCE_SEC", defaultCleanupDebounce),
		DestroyGrace:      envSec("DESTROY_GRACE_SEC", defaultDestroyGrace),
		LoadTimeout:       envSec("ROOM_LOAD_TIMEOUT_SEC", defaultLoadTimeout),
		RemovalDelay:      envMillis("REMOVAL_REDIRECT_DELAY_MS", defaultRemovalDelay),
	}
}

// envOr は環境変数から文字列を取得します
// 環境変数が設定されていない場合はデフォルト値を返します
func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// envInt は環境変数から整数を取得します
// 数値として解釈できない場合はデフォルト値を返します
func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("invalid %s=%q, using default %d", key, v, def)
		return def
	}
	return n
}

// envSec は環境変数から秒数を取得してDurationに変換します
func envSec(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		log.Printf("invalid %s=%q, using default %v", key, v, def)
		return def
	}
	return time.Duration(n) * time.Second
}

// envMillis は環境変数からミリ秒数を取得してDurationに変換します
func envMillis(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		log.Printf("invalid %s=%q, using default %v", key, v, def)
		return def
	}
	return time.Duration(n) * time.Millisecond
}

// envCSV は環境変数からカンマ区切りの文字列リストを取得します
func envCSV(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
