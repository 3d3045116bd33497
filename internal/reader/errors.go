package reader

import "fmt"

// エラーコード一覧。HTTPステータスへのマッピングは respondWithError を参照。
const (
	CodeUnauthenticated     = "UNAUTHENTICATED"
	CodeAccessForbidden     = "ACCESS_FORBIDDEN"
	CodeSourceUnavailable   = "SOURCE_UNAVAILABLE"
	CodeMetadataFetchFailed = "METADATA_FETCH_FAILED"
	CodeStreamUnauthorized  = "STREAM_UNAUTHORIZED"
	CodeInvalidDocumentID   = "INVALID_DOCUMENT_ID"
	CodeInternalError       = "INTERNAL_ERROR"
)

// Error はストリーミングプロキシのドメインエラーです。
// Status が 0 の場合はコードごとの既定ステータスが使われます。
type Error struct {
	Code    string
	Message string
	Status  int
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

func newError(code, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		cause:   cause,
	}
}

// newStatusError は上流のHTTPステータスをそのまま伝搬させたいエラーに使います。
func newStatusError(code, message string, status int, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Status:  status,
		cause:   cause,
	}
}
