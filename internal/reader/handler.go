package reader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"

	"github.com/aaleksaaleksic/readify/internal/auth"
)

// sniffLength は Content-Type 推定に読む先頭バイト数です。
const sniffLength = 3072

// ContentHandler は GET/HEAD /reader/:documentId/content のハンドラーを返します。
func ContentHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		documentID, err := parseDocumentID(c.Param("documentId"))
		if err != nil {
			respondWithError(c, err)
			return
		}

		// 認証情報の解決はあらゆるネットワークアクセスより先に行う
		credential := auth.ResolveToken(c, svc.cookieName)
		if credential == "" {
			respondWithError(c, newError(CodeUnauthenticated, "認証情報が見つかりません。", nil))
			return
		}

		ctx := c.Request.Context()
		desc, err := svc.Descriptor(ctx, documentID, credential)
		if err != nil {
			respondWithError(c, err)
			return
		}

		// HEAD はサイズが分かっていれば上流に問い合わせず能力だけ答える
		if c.Request.Method == http.MethodHead && desc.ContentLength > 0 {
			writeHeadProbe(c, desc)
			return
		}

		resp, err := svc.Stream(ctx, documentID, credential, desc, c.Request.Header)
		if err != nil {
			respondWithError(c, err)
			return
		}
		defer resp.Body.Close()

		copyFilteredHeaders(c.Writer.Header(), resp.Header)

		if c.Request.Method == http.MethodHead {
			// ステータスとヘッダーはGETと同一、ボディのみ省略
			c.Status(resp.StatusCode)
			return
		}

		body := io.Reader(resp.Body)
		if c.Writer.Header().Get("Content-Type") == "" {
			body = sniffContentType(c.Writer.Header(), resp.Body)
		}

		c.Status(resp.StatusCode)
		if _, err := io.Copy(c.Writer, body); err != nil {
			// ヘッダー送信済みなのでクライアント切断等はログに留める
			log.Printf("reader: stream copy aborted doc=%d: %v", documentID, err)
			return
		}

		if resp.StatusCode < http.StatusBadRequest {
			svc.recordRead(context.WithoutCancel(ctx), documentID)
		}
	}
}

// writeHeadProbe は既知のコンテンツ長から 200 応答を合成します。
// 診断用の内部プレフィックス付きディスクリプタヘッダーだけを載せます。
func writeHeadProbe(c *gin.Context, desc *StreamDescriptor) {
	header := c.Writer.Header()
	for name, value := range desc.Headers {
		if strings.HasPrefix(http.CanonicalHeaderKey(name), InternalHeaderPrefix) {
			header.Set(name, value)
		}
	}
	header.Set("Accept-Ranges", "bytes")
	header.Set("Content-Length", strconv.FormatInt(desc.ContentLength, 10))
	header.Set("Content-Range", fmt.Sprintf("bytes 0-0/%d", desc.ContentLength))
	header.Set("Cache-Control", "no-store")
	c.Status(http.StatusOK)
}

// sniffContentType は先頭バイトから Content-Type を推定してヘッダーに設定し、
// 読んだ分を先頭に戻したリーダーを返します。PDFビューアは Content-Type 必須のため。
func sniffContentType(header http.Header, body io.Reader) io.Reader {
	buf := make([]byte, sniffLength)
	n, _ := io.ReadFull(body, buf)
	if n > 0 {
		header.Set("Content-Type", mimetype.Detect(buf[:n]).String())
	}
	return io.MultiReader(bytes.NewReader(buf[:n]), body)
}

func parseDocumentID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, newError(CodeInvalidDocumentID, "documentId は正の整数で指定してください。", err)
	}
	return id, nil
}

func respondWithError(c *gin.Context, err error) {
	var apiErr *Error
	switch {
	case errors.As(err, &apiErr):
		status := apiErr.Status
		if status == 0 {
			status = defaultStatus(apiErr.Code)
		}
		c.Header("Cache-Control", "no-store")
		c.JSON(status, gin.H{
			"code":    apiErr.Code,
			"message": apiErr.Message,
		})
	case errors.Is(err, context.Canceled):
		c.Header("Cache-Control", "no-store")
		c.JSON(http.StatusRequestTimeout, gin.H{
			"code":    "REQUEST_CANCELED",
			"message": "リクエストがキャンセルされました。",
		})
	default:
		// 内部詳細はクライアントへ出さない
		log.Printf("reader: unexpected error: %v", err)
		c.Header("Cache-Control", "no-store")
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    CodeInternalError,
			"message": "サーバー内部でエラーが発生しました。",
		})
	}
}

func defaultStatus(code string) int {
	switch code {
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodeAccessForbidden:
		return http.StatusForbidden
	case CodeSourceUnavailable:
		return http.StatusServiceUnavailable
	case CodeInvalidDocumentID:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
