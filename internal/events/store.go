// Package events はドキュメントの読書イベントを非同期に記録します。
package events

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	readTotalKeyPrefix = "reads:doc:"

	// 日次キーの保持期間。集計画面はこのAPIの範囲外だが、元データは残す。
	dailyKeyTTL = 90 * 24 * time.Hour
)

// Store は読書カウンタを Redis に保存します。
type Store struct {
	rdb *redis.Client
}

// NewStore は Store を作成します。
func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// IncrementRead は累計カウンタと日次カウンタを1つのパイプラインで加算します。
func (s *Store) IncrementRead(ctx context.Context, documentID int64, at time.Time) error {
	daily := dailyKey(documentID, at)
	pipe := s.rdb.TxPipeline()
	pipe.Incr(ctx, totalKey(documentID))
	pipe.Incr(ctx, daily)
	pipe.Expire(ctx, daily, dailyKeyTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// ReadCount はドキュメントの累計読書回数を返します。未記録なら 0 です。
func (s *Store) ReadCount(ctx context.Context, documentID int64) (int64, error) {
	count, err := s.rdb.Get(ctx, totalKey(documentID)).Int64()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, err
	}
	return count, nil
}

func totalKey(documentID int64) string {
	return fmt.Sprintf("%s%d", readTotalKeyPrefix, documentID)
}

func dailyKey(documentID int64, at time.Time) string {
	return fmt.Sprintf("%s%d:%s", readTotalKeyPrefix, documentID, at.UTC().Format("2006-01-02"))
}
