// Package reader はPDFビューアと保護されたドキュメント配信元の間に立つ
// セキュアストリーミングプロキシを提供します。
package reader

import (
	"encoding/json"
	"fmt"
	"time"
)

// DefaultChunkSize は上流が指定しない場合のレンジ読み取り粒度（バイト）です。
const DefaultChunkSize int64 = 2 * 1024 * 1024

// StreamDescriptor は、1つのドキュメントのバイト列を読むための
// 署名付き・期限付きケーパビリティを表します。
type StreamDescriptor struct {
	URL           string            `json:"url"`
	ContentLength int64             `json:"contentLength"`
	ChunkSize     int64             `json:"chunkSize"`
	ExpiresAt     string            `json:"expiresAt,omitempty"` // ISO-8601。空なら無期限
	Headers       map[string]string `json:"headers,omitempty"`   // バイト取得ごとに再送する上流ヘッダー
}

// descriptorFromStream は認可サービスの stream ペイロードからディスクリプタを構築します。
// ペイロードはスキーマレスなので、型の合わない値は安全な既定値に置き換えます。
func descriptorFromStream(documentID int64, stream map[string]any) *StreamDescriptor {
	desc := &StreamDescriptor{
		ContentLength: coerceInt64(stream["contentLength"], 0),
		ChunkSize:     coerceInt64(stream["chunkSize"], DefaultChunkSize),
		Headers:       map[string]string{},
	}
	if desc.ChunkSize <= 0 {
		desc.ChunkSize = DefaultChunkSize
	}
	if desc.ContentLength < 0 {
		desc.ContentLength = 0
	}

	if url, ok := stream["url"].(string); ok && url != "" {
		desc.URL = url
	} else {
		// 上流がURLを省略した場合はこのプロキシ自身のエンドポイントを指す
		// （通常経路ではなく防御的フォールバック）
		desc.URL = fmt.Sprintf("/reader/%d/content", documentID)
	}

	if expires, ok := stream["expiresAt"].(string); ok {
		desc.ExpiresAt = expires
	}

	if headers, ok := stream["headers"].(map[string]any); ok {
		for name, value := range headers {
			// 文字列値のみを引き継ぐ
			if s, ok := value.(string); ok {
				desc.Headers[name] = s
			}
		}
	}

	return desc
}

// expiryEpochMillis は ExpiresAt をエポックミリ秒に変換します。
// 無期限または解析不能な場合は 0 を返します。
func (d *StreamDescriptor) expiryEpochMillis() int64 {
	if d.ExpiresAt == "" {
		return 0
	}
	t, err := time.Parse(time.RFC3339Nano, d.ExpiresAt)
	if err != nil {
		return 0
	}
	return t.UnixMilli()
}

// coerceInt64 は JSON 由来の値を int64 に変換します。
// 数値以外・欠損はデフォルト値に置き換えます。
func coerceInt64(v any, defaultValue int64) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	case json.Number:
		value, err := n.Int64()
		if err != nil {
			return defaultValue
		}
		return value
	case string:
		var value int64
		if _, err := fmt.Sscanf(n, "%d", &value); err != nil {
			return defaultValue
		}
		return value
	default:
		return defaultValue
	}
}
