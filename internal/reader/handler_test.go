package reader

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/aaleksaaleksic/readify/internal/auth"
)

type stubFetcher struct {
	mu    sync.Mutex
	desc  *StreamDescriptor
	err   error
	calls int
}

func (f *stubFetcher) Fetch(ctx context.Context, documentID int64, credential string) (*StreamDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	copied := *f.desc
	return &copied, nil
}

func (f *stubFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type stubRecorder struct {
	mu      sync.Mutex
	calls   int
	lastDoc int64
}

func (r *stubRecorder) RecordRead(ctx context.Context, documentID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.lastDoc = documentID
	return nil
}

func newTestService(fetcher Fetcher, recorder AccessRecorder) *Service {
	return NewService(ServiceOptions{
		Cache:      NewMemoryCache(),
		Fetcher:    fetcher,
		CookieName: "readify_token",
		Recorder:   recorder,
	})
}

func newTestRouter(svc *Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	handler := ContentHandler(svc)
	router.GET("/reader/:documentId/content", handler)
	router.HEAD("/reader/:documentId/content", handler)
	return router
}

func decodeErrorBody(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode error body %q: %v", rec.Body.String(), err)
	}
	return body.Code
}

func TestContentRequiresCredential(t *testing.T) {
	fetcher := &stubFetcher{desc: &StreamDescriptor{URL: "http://unused"}}
	router := newTestRouter(newTestService(fetcher, nil))

	req := httptest.NewRequest(http.MethodGet, "/reader/5/content", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if code := decodeErrorBody(t, rec); code != CodeUnauthenticated {
		t.Fatalf("unexpected error code: %s", code)
	}
	if rec.Header().Get("Cache-Control") != "no-store" {
		t.Fatal("error responses must carry no-store as well")
	}
	// 認証情報が無い場合は一切のネットワークアクセスをしない
	if fetcher.callCount() != 0 {
		t.Fatalf("fetcher must not be called, got %d calls", fetcher.callCount())
	}
}

func TestContentRejectsInvalidDocumentID(t *testing.T) {
	fetcher := &stubFetcher{desc: &StreamDescriptor{URL: "http://unused"}}
	router := newTestRouter(newTestService(fetcher, nil))

	for _, id := range []string{"abc", "-3", "0", "1.5"} {
		req := httptest.NewRequest(http.MethodGet, "/reader/"+id+"/content", nil)
		req.Header.Set(auth.HeaderInternalAuth, "tok")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Fatalf("documentId %q: expected 400, got %d", id, rec.Code)
		}
	}
	if fetcher.callCount() != 0 {
		t.Fatalf("fetcher must not be called for invalid ids, got %d calls", fetcher.callCount())
	}
}

func TestContentForbiddenSkipsByteFetch(t *testing.T) {
	var upstreamHits int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&upstreamHits, 1)
	}))
	defer upstream.Close()

	fetcher := &stubFetcher{err: newError(CodeAccessForbidden, "このドキュメントへのアクセス権がありません。", nil)}
	router := newTestRouter(newTestService(fetcher, nil))

	req := httptest.NewRequest(http.MethodGet, "/reader/5/content", nil)
	req.Header.Set(auth.HeaderInternalAuth, "tok")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if atomic.LoadInt32(&upstreamHits) != 0 {
		t.Fatal("byte source must never be contacted when access is denied")
	}
}

func TestContentStreamsAndFiltersResponse(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Range"); got != "bytes=0-4" {
			t.Errorf("Range not forwarded, got %q", got)
		}
		if got := r.Header.Get("X-Readify-Watermark"); got != "w-1" {
			t.Errorf("descriptor header not replayed, got %q", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("missing bearer header, got %q", got)
		}
		if got := r.Header.Get("Connection"); got != "" {
			t.Errorf("forbidden Connection header replayed: %q", got)
		}
		if got := r.Header.Get("Content-Length"); got != "" {
			t.Errorf("forbidden Content-Length header replayed: %q", got)
		}

		w.Header().Set("Content-Type", "application/pdf")
		w.Header().Set("Content-Range", "bytes 0-4/5000")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("X-Internal-Debug", "secret")
		w.Header().Set("X-Readify-Trace", "trace-1")
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte("%PDF-"))
	}))
	defer upstream.Close()

	fetcher := &stubFetcher{desc: &StreamDescriptor{
		URL: upstream.URL + "/doc/5",
		Headers: map[string]string{
			"X-Readify-Watermark": "w-1",
			"Connection":          "close",
			"Content-Length":      "999",
			"Host":                "spoofed.example.com",
		},
	}}
	recorder := &stubRecorder{}
	router := newTestRouter(newTestService(fetcher, recorder))

	req := httptest.NewRequest(http.MethodGet, "/reader/5/content?authToken=tok", nil)
	req.Header.Set("Range", "bytes=0-4")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusPartialContent {
		t.Fatalf("expected 206, got %d", rec.Code)
	}
	if rec.Body.String() != "%PDF-" {
		t.Fatalf("unexpected body: %q", rec.Body.String())
	}
	if got := rec.Header().Get("Content-Type"); got != "application/pdf" {
		t.Fatalf("Content-Type must pass the filter, got %q", got)
	}
	if got := rec.Header().Get("X-Internal-Debug"); got != "" {
		t.Fatalf("internal headers must be dropped, got %q", got)
	}
	if got := rec.Header().Get("X-Readify-Trace"); got != "trace-1" {
		t.Fatalf("diagnostic headers must pass, got %q", got)
	}
	// プロキシ区間は上流の指定に関係なく常に no-store
	if got := rec.Header().Get("Cache-Control"); got != "no-store" {
		t.Fatalf("expected no-store, got %q", got)
	}
	if recorder.calls != 1 || recorder.lastDoc != 5 {
		t.Fatalf("read event not recorded: %+v", recorder)
	}
}

func TestContentSecondRequestUsesCachedDescriptor(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	fetcher := &stubFetcher{desc: &StreamDescriptor{URL: upstream.URL}}
	router := newTestRouter(newTestService(fetcher, nil))

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/reader/5/content", nil)
		req.Header.Set("Authorization", "Bearer tok")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}

	if fetcher.callCount() != 1 {
		t.Fatalf("second request within TTL must reuse the cached descriptor, fetcher calls = %d", fetcher.callCount())
	}
}

func TestContentRetriesOnceAfterUpstreamUnauthorized(t *testing.T) {
	var upstreamHits int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&upstreamHits, 1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte("after-retry"))
	}))
	defer upstream.Close()

	fetcher := &stubFetcher{desc: &StreamDescriptor{URL: upstream.URL}}
	router := newTestRouter(newTestService(fetcher, nil))

	req := httptest.NewRequest(http.MethodGet, "/reader/5/content", nil)
	req.Header.Set(auth.HeaderInternalAuth, "tok")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 after refresh retry, got %d", rec.Code)
	}
	if rec.Body.String() != "after-retry" {
		t.Fatalf("unexpected body: %q", rec.Body.String())
	}
	// 初回取得1回 + 強制リフレッシュ1回
	if fetcher.callCount() != 2 {
		t.Fatalf("expected exactly 2 descriptor fetches, got %d", fetcher.callCount())
	}
	if hits := atomic.LoadInt32(&upstreamHits); hits != 2 {
		t.Fatalf("expected exactly 2 byte-fetch attempts, got %d", hits)
	}
}

func TestContentSecondRejectionIsTerminal(t *testing.T) {
	var upstreamHits int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&upstreamHits, 1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer upstream.Close()

	fetcher := &stubFetcher{desc: &StreamDescriptor{URL: upstream.URL}}
	router := newTestRouter(newTestService(fetcher, nil))

	req := httptest.NewRequest(http.MethodGet, "/reader/5/content", nil)
	req.Header.Set(auth.HeaderInternalAuth, "tok")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("upstream status must surface, got %d", rec.Code)
	}
	if code := decodeErrorBody(t, rec); code != CodeStreamUnauthorized {
		t.Fatalf("unexpected error code: %s", code)
	}
	if hits := atomic.LoadInt32(&upstreamHits); hits != 2 {
		t.Fatalf("retry must happen exactly once, got %d attempts", hits)
	}
}

func TestHeadProbeAnswersWithoutByteFetch(t *testing.T) {
	var upstreamHits int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&upstreamHits, 1)
	}))
	defer upstream.Close()

	fetcher := &stubFetcher{desc: &StreamDescriptor{
		URL:           upstream.URL,
		ContentLength: 5000,
		Headers: map[string]string{
			"X-Readify-Watermark": "w-1",
			"Cookie":              "hidden=1",
		},
	}}
	router := newTestRouter(newTestService(fetcher, nil))

	req := httptest.NewRequest(http.MethodHead, "/reader/5/content", nil)
	req.Header.Set(auth.HeaderInternalAuth, "tok")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Length"); got != "5000" {
		t.Fatalf("unexpected Content-Length: %q", got)
	}
	if got := rec.Header().Get("Content-Range"); got != "bytes 0-0/5000" {
		t.Fatalf("unexpected Content-Range: %q", got)
	}
	if got := rec.Header().Get("Accept-Ranges"); got != "bytes" {
		t.Fatalf("unexpected Accept-Ranges: %q", got)
	}
	if got := rec.Header().Get("X-Readify-Watermark"); got != "w-1" {
		t.Fatalf("internal-prefix descriptor headers must be exposed, got %q", got)
	}
	if got := rec.Header().Get("Cookie"); got != "" {
		t.Fatalf("non-prefixed descriptor headers must stay hidden, got %q", got)
	}
	if hits := atomic.LoadInt32(&upstreamHits); hits != 0 {
		t.Fatalf("HEAD probe must not contact the byte source, got %d hits", hits)
	}
}

func TestHeadWithUnknownLengthGoesUpstream(t *testing.T) {
	var upstreamHits int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&upstreamHits, 1)
		w.Header().Set("Content-Type", "application/pdf")
		w.Write([]byte("body-bytes"))
	}))
	defer upstream.Close()

	fetcher := &stubFetcher{desc: &StreamDescriptor{URL: upstream.URL}}
	router := newTestRouter(newTestService(fetcher, nil))

	req := httptest.NewRequest(http.MethodHead, "/reader/5/content", nil)
	req.Header.Set(auth.HeaderInternalAuth, "tok")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Fatalf("HEAD response must not carry a body, got %q", rec.Body.String())
	}
	if got := rec.Header().Get("Content-Type"); got != "application/pdf" {
		t.Fatalf("headers must match the GET response, got Content-Type %q", got)
	}
	if hits := atomic.LoadInt32(&upstreamHits); hits != 1 {
		t.Fatalf("expected a single upstream request, got %d", hits)
	}
}

func TestContentSniffsMissingContentType(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// net/http の自動推定を抑止して Content-Type 無しで返す
		w.Header()["Content-Type"] = nil
		w.Write([]byte("%PDF-1.7\n%binary content here"))
	}))
	defer upstream.Close()

	fetcher := &stubFetcher{desc: &StreamDescriptor{URL: upstream.URL}}
	router := newTestRouter(newTestService(fetcher, nil))

	req := httptest.NewRequest(http.MethodGet, "/reader/5/content", nil)
	req.Header.Set(auth.HeaderInternalAuth, "tok")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/pdf" {
		t.Fatalf("expected sniffed application/pdf, got %q", got)
	}
	if rec.Body.String() != "%PDF-1.7\n%binary content here" {
		t.Fatalf("sniffing must not alter the body, got %q", rec.Body.String())
	}
}
