// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// アプリケーション設定
	AppUsername     string // ログイン用ユーザー名
	AppPasswordHash string // bcryptでハッシュ化されたパスワード
	SessionSecret   string // セッション署名用の秘密鍵

	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// リーダー/ストリーミング設定
	AuthServiceURL string // ドキュメント認可サービスのベースURL
	StreamBaseURL  string // 相対ストリームURLの解決に使うベースURL（空なら AuthServiceURL を使用）
	AuthCookieName string // 認証トークンを保持するクッキー名

	// 読書イベント/キュー設定
	QueueRedisURL       string // Asynq用Redis接続URL（空ならイベント記録を無効化）
	ReaderCacheRedisURL string // ディスクリプタキャッシュ用Redis URL（空ならプロセス内キャッシュ）
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	// .env.local ファイルを読み込む（存在しない場合はスキップ）
	loadEnvFile()

	config := &Config{
		// アプリケーション設定
		AppUsername:     getEnv("APP_USERNAME", ""),
		AppPasswordHash: getEnv("APP_PASSWORD_HASH", ""),
		SessionSecret:   getEnv("SESSION_SECRET", ""),

		// サーバー設定
		Port:    getEnv("PORT", "8080"),
		GinMode: getEnv("GIN_MODE", "debug"),

		// CORS設定
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		// リーダー設定
		AuthServiceURL: getEnv("AUTH_SERVICE_URL", "http://localhost:9000"),
		StreamBaseURL:  getEnv("STREAM_BASE_URL", ""),
		AuthCookieName: getEnv("AUTH_COOKIE_NAME", "readify_token"),

		// イベント/キュー設定
		QueueRedisURL:       getEnv("QUEUE_REDIS_URL", ""),
		ReaderCacheRedisURL: getEnv("READER_CACHE_REDIS_URL", ""),
	}

	// 必須設定のバリデーション
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	// ローカル開発では認証設定は任意
	// 本番環境では厳格にチェックする想定
	if c.GinMode == "release" {
		if c.AppUsername == "" {
			return fmt.Errorf("APP_USERNAME is required in release mode")
		}
		if c.AppPasswordHash == "" {
			return fmt.Errorf("APP_PASSWORD_HASH is required in release mode")
		}
		if c.SessionSecret == "" {
			return fmt.Errorf("SESSION_SECRET is required in release mode")
		}
		if c.AuthServiceURL == "" {
			return fmt.Errorf("AUTH_SERVICE_URL is required in release mode")
		}
	}

	return nil
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}
