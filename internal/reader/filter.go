package reader

import (
	"net/http"
	"strings"
)

// InternalHeaderPrefix が付いたヘッダーは診断用としてそのまま通します。
const InternalHeaderPrefix = "X-Readify-"

// allowedResponseHeaders はクライアントへ返してよい上流ヘッダーの許可リストです。
// ここに無いヘッダーは内部トランスポートの詳細を漏らさないためすべて落とします。
var allowedResponseHeaders = []string{
	"Content-Type",
	"Content-Length",
	"Content-Range",
	"Accept-Ranges",
	"Content-Disposition",
	"Cache-Control",
	"Last-Modified",
	"ETag",
	"Content-Encoding",
}

// copyFilteredHeaders は許可リストと内部プレフィックス付きヘッダーだけを dst にコピーします。
// 署名付きURL経由の応答は中間キャッシュに残してはならないため、
// プロキシ区間は上流の指定に関係なく常に no-store を付けます。
func copyFilteredHeaders(dst, src http.Header) {
	for _, name := range allowedResponseHeaders {
		if value := src.Get(name); value != "" {
			dst.Set(name, value)
		}
	}
	for name, values := range src {
		if !strings.HasPrefix(http.CanonicalHeaderKey(name), InternalHeaderPrefix) {
			continue
		}
		for _, value := range values {
			dst.Add(http.CanonicalHeaderKey(name), value)
		}
	}
	dst.Set("Cache-Control", "no-store")
}
