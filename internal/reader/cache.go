package reader

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

const (
	// MaxCacheEntries はプロセス内キャッシュの最大エントリ数です。
	MaxCacheEntries = 100

	// ExpiryBuffer は期限切れ間際のディスクリプタを無効扱いにする安全マージンです。
	// 発行から使用までの間に期限が切れるレースを避けます。
	ExpiryBuffer = 5 * time.Second
)

// Cache は (documentId, credential) → ディスクリプタの保管庫です。
// Get はヒット時にディスクリプタ、ミス時に nil を返します。
// Put は常に上書き保存です（明示的な削除操作は不要）。
type Cache interface {
	Get(ctx context.Context, documentID int64, credential string) *StreamDescriptor
	Put(ctx context.Context, documentID int64, credential string, desc *StreamDescriptor)
}

type cacheEntry struct {
	descriptor *StreamDescriptor
	expiresAt  int64 // エポックミリ秒。0 なら時間切れしない
	lastAccess time.Time
}

// MemoryCache はプロセス全体で共有するインメモリキャッシュです。
// 容量超過時は lastAccess が最も古いエントリから追い出します（近似LRU）。
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry
	now     func() time.Time
}

// NewMemoryCache は空のキャッシュを作成します。
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]*cacheEntry),
		now:     time.Now,
	}
}

// Get はキャッシュされたディスクリプタを返します。
// 期限切れ（バッファ込み）のエントリはその場で削除してミス扱いにします。
func (c *MemoryCache) Get(_ context.Context, documentID int64, credential string) *StreamDescriptor {
	key := cacheKey(documentID, credential)

	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil
	}

	now := c.now()
	if entry.expiresAt > 0 && now.UnixMilli() >= entry.expiresAt-ExpiryBuffer.Milliseconds() {
		delete(c.entries, key)
		return nil
	}

	entry.lastAccess = now
	return entry.descriptor
}

// Put はエントリを保存（既存なら上書き）し、容量を超えた分を追い出します。
func (c *MemoryCache) Put(_ context.Context, documentID int64, credential string, desc *StreamDescriptor) {
	if desc == nil {
		return
	}
	key := cacheKey(documentID, credential)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = &cacheEntry{
		descriptor: desc,
		expiresAt:  desc.expiryEpochMillis(),
		lastAccess: c.now(),
	}
	c.prune()
}

// Len は現在のエントリ数を返します。
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// prune は lastAccess 昇順で超過分を削除します。呼び出し側でロック必須。
// 挿入頻度は ドキュメント数 × セッション数 で抑えられるため線形走査で足ります。
func (c *MemoryCache) prune() {
	excess := len(c.entries) - MaxCacheEntries
	if excess <= 0 {
		return
	}

	type keyed struct {
		key        string
		lastAccess time.Time
	}
	all := make([]keyed, 0, len(c.entries))
	for key, entry := range c.entries {
		all = append(all, keyed{key: key, lastAccess: entry.lastAccess})
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].lastAccess.Before(all[j].lastAccess)
	})
	for i := 0; i < excess; i++ {
		delete(c.entries, all[i].key)
	}
}

func cacheKey(documentID int64, credential string) string {
	return fmt.Sprintf("%d:%s", documentID, credential)
}
