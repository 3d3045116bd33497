package reader

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const descriptorKeyPrefix = "reader:desc:"

// RedisCache は複数インスタンス構成向けのディスクリプタキャッシュです。
// TTL は Redis 側に任せ、期限バッファは保存時に差し引きます。
// キャッシュ障害はミス扱いにして取得経路へフォールバックします。
type RedisCache struct {
	rdb    *redis.Client
	logger *log.Logger
}

// NewRedisCache は RedisCache を作成します。
func NewRedisCache(rdb *redis.Client, logger *log.Logger) *RedisCache {
	return &RedisCache{
		rdb:    rdb,
		logger: logger,
	}
}

// Get はキャッシュされたディスクリプタを返します。ミスまたは障害時は nil です。
func (c *RedisCache) Get(ctx context.Context, documentID int64, credential string) *StreamDescriptor {
	data, err := c.rdb.Get(ctx, descriptorKeyPrefix+cacheKey(documentID, credential)).Bytes()
	if err != nil {
		if err != redis.Nil && c.logger != nil {
			c.logger.Printf("reader cache: redis get failed: %v", err)
		}
		return nil
	}
	var desc StreamDescriptor
	if err := json.Unmarshal(data, &desc); err != nil {
		if c.logger != nil {
			c.logger.Printf("reader cache: broken entry dropped: %v", err)
		}
		return nil
	}
	return &desc
}

// Put はディスクリプタを保存します。期限付きなら残存期間−バッファを TTL にします。
func (c *RedisCache) Put(ctx context.Context, documentID int64, credential string, desc *StreamDescriptor) {
	if desc == nil {
		return
	}

	var ttl time.Duration
	if expiresAt := desc.expiryEpochMillis(); expiresAt > 0 {
		ttl = time.Duration(expiresAt-time.Now().UnixMilli())*time.Millisecond - ExpiryBuffer
		if ttl <= 0 {
			// すでにバッファ圏内。保存しても次の Get でミスになるだけなので捨てる
			return
		}
	}

	payload, err := json.Marshal(desc)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, descriptorKeyPrefix+cacheKey(documentID, credential), payload, ttl).Err(); err != nil {
		if c.logger != nil {
			c.logger.Printf("reader cache: redis set failed: %v", err)
		}
	}
}
