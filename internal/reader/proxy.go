package reader

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
)

// forwardedRequestHeaders はクライアントからそのまま上流へ転送するヘッダーです。
var forwardedRequestHeaders = []string{"Range", "If-Range", "Referer"}

// forbiddenUpstreamHeaders はディスクリプタ由来でも上流へ再送してはならないヘッダーです。
// 接続やボディ長はこちらのリクエストに合わせて再計算されるべき値のため。
var forbiddenUpstreamHeaders = map[string]bool{
	"Host":           true,
	"Connection":     true,
	"Content-Length": true,
}

// AccessRecorder はストリーム開始の記録先です（任意）。
type AccessRecorder interface {
	RecordRead(ctx context.Context, documentID int64) error
}

// Service はディスクリプタの取得・キャッシュとレンジプロキシ本体をまとめます。
type Service struct {
	cache      Cache
	fetcher    Fetcher
	client     *http.Client
	streamBase string
	cookieName string
	recorder   AccessRecorder
	logger     *log.Logger
}

// ServiceOptions は Service の依存をまとめた構造体です。
type ServiceOptions struct {
	Cache         Cache
	Fetcher       Fetcher
	Client        *http.Client // nil なら リダイレクト追従を無効にした専用クライアントを作る
	StreamBaseURL string       // 相対ストリームURLの解決先
	CookieName    string       // 認証トークンクッキー名
	Recorder      AccessRecorder
	Logger        *log.Logger
}

// NewService は Service を作成します。
func NewService(opts ServiceOptions) *Service {
	client := opts.Client
	if client == nil {
		// リダイレクトの扱いは上流ではなくプロキシが決める
		client = &http.Client{
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	return &Service{
		cache:      opts.Cache,
		fetcher:    opts.Fetcher,
		client:     client,
		streamBase: strings.TrimRight(opts.StreamBaseURL, "/"),
		cookieName: opts.CookieName,
		recorder:   opts.Recorder,
		logger:     opts.Logger,
	}
}

// Descriptor はキャッシュ優先でディスクリプタを返します。ミス時は取得して保存します。
func (s *Service) Descriptor(ctx context.Context, documentID int64, credential string) (*StreamDescriptor, error) {
	if desc := s.cache.Get(ctx, documentID, credential); desc != nil {
		return desc, nil
	}
	return s.refreshDescriptor(ctx, documentID, credential)
}

// refreshDescriptor はキャッシュを素通りして取得し、結果を上書き保存します。
// Put が冪等な上書きなので明示的な無効化は不要です。
func (s *Service) refreshDescriptor(ctx context.Context, documentID int64, credential string) (*StreamDescriptor, error) {
	desc, err := s.fetcher.Fetch(ctx, documentID, credential)
	if err != nil {
		return nil, err
	}
	s.cache.Put(ctx, documentID, credential, desc)
	return desc, nil
}

// Stream は上流へバイト取得リクエストを発行し、最終的な上流応答を返します。
// 401/403 はディスクリプタの期限切れレースである可能性が高いため、
// 強制リフレッシュして一度だけ再試行します。二度目の拒否は確定エラーです。
func (s *Service) Stream(ctx context.Context, documentID int64, credential string, desc *StreamDescriptor, clientHeader http.Header) (*http.Response, error) {
	resp, err := s.fetchBytes(ctx, desc, credential, clientHeader)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		resp.Body.Close()
		fresh, err := s.refreshDescriptor(ctx, documentID, credential)
		if err != nil {
			return nil, err
		}
		resp, err = s.fetchBytes(ctx, fresh, credential, clientHeader)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			status := resp.StatusCode
			resp.Body.Close()
			return nil, newStatusError(CodeStreamUnauthorized,
				"ストリーミングセッションの認可に失敗しました。", status, nil)
		}
	}

	return resp, nil
}

// fetchBytes はディスクリプタのURLに対して1回のバイト取得を行います。
func (s *Service) fetchBytes(ctx context.Context, desc *StreamDescriptor, credential string, clientHeader http.Header) (*http.Response, error) {
	target, err := s.resolveStreamURL(desc.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve stream url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build stream request: %w", err)
	}

	hasAuthorization := false
	for name, value := range desc.Headers {
		canonical := http.CanonicalHeaderKey(name)
		if forbiddenUpstreamHeaders[canonical] {
			continue
		}
		if canonical == "Authorization" {
			hasAuthorization = true
		}
		req.Header.Set(name, value)
	}
	if !hasAuthorization {
		req.Header.Set("Authorization", "Bearer "+credential)
	}

	if clientHeader != nil {
		for _, name := range forwardedRequestHeaders {
			if value := clientHeader.Get(name); value != "" {
				req.Header.Set(name, value)
			}
		}
	}

	return s.client.Do(req)
}

// resolveStreamURL は相対URLを設定済みベースに対して解決します。
func (s *Service) resolveStreamURL(raw string) (string, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if parsed.IsAbs() {
		return raw, nil
	}
	if s.streamBase == "" {
		return "", fmt.Errorf("relative stream url %q without configured base", raw)
	}
	if !strings.HasPrefix(raw, "/") {
		raw = "/" + raw
	}
	return s.streamBase + raw, nil
}

// recordRead は読書イベントを記録します。失敗はログのみで本流に影響させません。
func (s *Service) recordRead(ctx context.Context, documentID int64) {
	if s.recorder == nil {
		return
	}
	if err := s.recorder.RecordRead(ctx, documentID); err != nil && s.logger != nil {
		s.logger.Printf("reader: failed to record read event doc=%d: %v", documentID, err)
	}
}
