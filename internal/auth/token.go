package auth

import (
	"net/url"
	"strings"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
)

// HeaderInternalAuth は内部向けの認証ヘッダー名です。
// 標準の Authorization ヘッダーを書き換える中間プロキシがあるため併用します。
const HeaderInternalAuth = "X-Readify-Auth"

// tokenQueryParams はクエリ文字列で受け付けるトークンパラメータ名です。
var tokenQueryParams = []string{"authToken", "token", "auth_token"}

// ResolveToken はリクエストからベアラートークンを抽出して正規化します。
// 優先順位: 内部ヘッダー → Authorization → クエリ → クッキー（リクエスト→セッションの順）。
// どのチャネルにも見つからない場合は空文字列を返します。
func ResolveToken(c *gin.Context, cookieName string) string {
	if token := normalizeToken(c.GetHeader(HeaderInternalAuth)); token != "" {
		return token
	}

	if token := normalizeToken(c.GetHeader("Authorization")); token != "" {
		return token
	}

	// クエリ文字列が壊れていてもエラーにはせず、解析できた分だけを見る
	values, _ := url.ParseQuery(c.Request.URL.RawQuery)
	for _, name := range tokenQueryParams {
		if token := normalizeToken(values.Get(name)); token != "" {
			return token
		}
	}

	if cookie, err := c.Cookie(cookieName); err == nil {
		if token := normalizeToken(cookie); token != "" {
			return token
		}
	}

	// リクエスト側のクッキーに無い場合はサーバー側セッションを第二経路として参照する
	// （ブラウザログインはセッションに、ネイティブビューアは素のクッキーにトークンを持つ）
	if token := normalizeToken(TokenFromSession(c)); token != "" {
		return token
	}

	return ""
}

// TokenFromSession はセッションに保存されたストリームトークンを返します。
// セッションミドルウェアが無いルートでは空文字列を返します。
func TokenFromSession(c *gin.Context) string {
	v, ok := c.Get(sessions.DefaultKey)
	if !ok {
		return ""
	}
	session, ok := v.(sessions.Session)
	if !ok {
		return ""
	}
	token, _ := session.Get(sessionKeyStreamToken).(string)
	return token
}

// normalizeToken は前後の空白と大文字小文字を問わない "Bearer " 接頭辞を取り除きます。
func normalizeToken(raw string) string {
	token := strings.TrimSpace(raw)
	if len(token) >= 7 && strings.EqualFold(token[:7], "Bearer ") {
		token = strings.TrimSpace(token[7:])
	}
	return token
}
