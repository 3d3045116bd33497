// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"log"
	"net/http"
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"

	"github.com/aaleksaaleksic/readify/internal/auth"
	"github.com/aaleksaaleksic/readify/internal/config"
	"github.com/aaleksaaleksic/readify/internal/reader"
)

func main() {
	// 設定の読み込み
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)

	// Ginルーターの初期化（デフォルトミドルウェア: Logger, Recovery）
	router := gin.Default()

	// セッションストアの設定（クッキー署名鍵は必須）
	store := cookie.NewStore([]byte(cfg.SessionSecret))
	store.Options(sessions.Options{
		Path:     "/",
		MaxAge:   auth.SessionMaxAgeSeconds(),
		HttpOnly: true,
		Secure:   cfg.GinMode == gin.ReleaseMode,
		SameSite: http.SameSiteStrictMode,
	})
	router.Use(sessions.Sessions(auth.SessionCookieName, store))

	// CORSミドルウェアの設定
	corsConfig := cors.DefaultConfig()
	// CORS許可オリジンを設定（カンマ区切りの文字列を配列に変換）
	origins := strings.Split(cfg.CORSAllowedOrigins, ",")
	corsConfig.AllowOrigins = origins
	corsConfig.AllowCredentials = true
	corsConfig.AllowHeaders = []string{
		"Origin",
		"Content-Type",
		"Accept",
		"Authorization",
		"Range",
		"If-Range",
		auth.HeaderInternalAuth,
		"X-CSRF-Token", // CSRF保護用ヘッダー
	}
	// フロントエンドがレスポンスヘッダーから CSRF トークンを読み取れるように公開
	corsConfig.ExposeHeaders = []string{
		"X-CSRF-Token",
		"Content-Range",
		"Accept-Ranges",
	}
	router.Use(cors.New(corsConfig))

	// ルーティングの設定
	if err := setupRoutes(router, cfg); err != nil {
		log.Fatalf("Failed to set up routes: %v", err)
	}

	// サーバーの起動
	addr := ":" + cfg.Port
	log.Printf("Starting API server on %s (mode: %s)", addr, cfg.GinMode)
	if err := router.Run(addr); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "readify-api",
		"version": "0.1.0",
	})
}

// setupRoutes は API グループと認証・リーダー周りの配線を行います。
func setupRoutes(router *gin.Engine, cfg *config.Config) error {
	// まずは誰でも叩けるヘルスチェックを登録
	router.GET("/health", handleHealth)

	authManager := auth.NewManager(cfg)

	api := router.Group("/api")
	{
		authRoutes := api.Group("/auth")
		{
			// ログイン時はセッション未生成なので CSRF 検証は不要
			authRoutes.POST("/login", authManager.Login)
			authRoutes.POST("/logout",
				authManager.RequireLogin(),
				authManager.VerifyCSRF(),
				authManager.Logout,
			)
		}
	}

	// リーダーは /api の外に置く。ネイティブPDFビューアはクエリや
	// クッキーで認証する直接アクセスのため、CSRF検証を経由させない。
	readerService, eventsManager, err := setupReader(cfg)
	if err != nil {
		return err
	}
	if eventsManager != nil {
		eventsManager.StartWorkers()
	}

	content := reader.ContentHandler(readerService)
	router.GET("/reader/:documentId/content", content)
	router.HEAD("/reader/:documentId/content", content)

	return nil
}
