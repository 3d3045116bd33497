package reader

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/aaleksaaleksic/readify/internal/auth"
)

// Fetcher はドキュメント認可サービスから新しいディスクリプタを取得します。
type Fetcher interface {
	Fetch(ctx context.Context, documentID int64, credential string) (*StreamDescriptor, error)
}

// HTTPFetcher は認可サービスの GET /documents/{id}/read を呼ぶ Fetcher 実装です。
type HTTPFetcher struct {
	baseURL string
	client  *http.Client
}

// NewHTTPFetcher は HTTPFetcher を作成します。client が nil なら http.DefaultClient を使います。
func NewHTTPFetcher(baseURL string, client *http.Client) *HTTPFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPFetcher{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

// Fetch はディスクリプタを取得し、認可サービスの応答を検証します。
// 認可ミドルウェアがどちらか片方しか見ない環境があるため、
// トークンは標準ヘッダーと内部エイリアスの両方で送ります。
func (f *HTTPFetcher) Fetch(ctx context.Context, documentID int64, credential string) (*StreamDescriptor, error) {
	url := fmt.Sprintf("%s/documents/%d/read", f.baseURL, documentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build descriptor request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+credential)
	req.Header.Set(auth.HeaderInternalAuth, credential)
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("descriptor request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read descriptor response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, newStatusError(CodeMetadataFetchFailed,
			fmt.Sprintf("ドキュメント情報の取得に失敗しました (upstream status %d)。", resp.StatusCode),
			resp.StatusCode, nil)
	}

	var payload struct {
		CanAccess bool            `json:"canAccess"`
		Stream    json.RawMessage `json:"stream"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode descriptor response: %w", err)
	}

	if !payload.CanAccess || len(payload.Stream) == 0 {
		return nil, newError(CodeAccessForbidden, "このドキュメントへのアクセス権がありません。", nil)
	}

	var stream map[string]any
	if err := json.Unmarshal(payload.Stream, &stream); err != nil || stream == nil {
		// stream がオブジェクトでない応答はアクセス不可と同等に扱う
		return nil, newError(CodeAccessForbidden, "このドキュメントへのアクセス権がありません。", err)
	}

	if _, hasError := stream["error"]; hasError {
		// 上流がソースファイル欠損を stream 内のエラーマーカーで通知してくる
		return nil, newError(CodeSourceUnavailable, "ドキュメントの配信元が利用できません。", nil)
	}

	return descriptorFromStream(documentID, stream), nil
}
