package main

import (
	"log"

	redis "github.com/redis/go-redis/v9"

	"github.com/aaleksaaleksic/readify/internal/config"
	"github.com/aaleksaaleksic/readify/internal/events"
	"github.com/aaleksaaleksic/readify/internal/reader"
)

// setupReader はストリーミングプロキシの依存を組み立てます。
// Redis URL が未設定の環境（ローカル単体起動）ではプロセス内キャッシュと
// イベント記録なしにフォールバックします。
func setupReader(cfg *config.Config) (*reader.Service, *events.Manager, error) {
	var cache reader.Cache
	if cfg.ReaderCacheRedisURL != "" {
		opt, err := redis.ParseURL(cfg.ReaderCacheRedisURL)
		if err != nil {
			return nil, nil, err
		}
		cache = reader.NewRedisCache(redis.NewClient(opt), log.Default())
	} else {
		cache = reader.NewMemoryCache()
	}

	var (
		manager  *events.Manager
		recorder reader.AccessRecorder
	)
	if cfg.QueueRedisURL != "" {
		opt, err := redis.ParseURL(cfg.QueueRedisURL)
		if err != nil {
			return nil, nil, err
		}
		store := events.NewStore(redis.NewClient(opt))
		manager, err = events.NewManager(cfg.QueueRedisURL, store, log.Default())
		if err != nil {
			return nil, nil, err
		}
		recorder = manager
	}

	streamBase := cfg.StreamBaseURL
	if streamBase == "" {
		// 配信元と認可サービスは同一ゲートウェイ配下にある前提
		streamBase = cfg.AuthServiceURL
	}

	service := reader.NewService(reader.ServiceOptions{
		Cache:         cache,
		Fetcher:       reader.NewHTTPFetcher(cfg.AuthServiceURL, nil),
		StreamBaseURL: streamBase,
		CookieName:    cfg.AuthCookieName,
		Recorder:      recorder,
		Logger:        log.Default(),
	})
	return service, manager, nil
}
