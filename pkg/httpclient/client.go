package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"
)

// ErrUpstreamUnavailable は上流サービスに到達できない、またはタイムアウトしたことを表す。
var ErrUpstreamUnavailable = errors.New("上流サービスに到達できません")

const (
	// DefaultTimeout は上流呼び出しの既定タイムアウト。
	DefaultTimeout = 10 * time.Second
	// DefaultMaxBodyBytes は上流レスポンスボディの既定の上限。
	DefaultMaxBodyBytes int64 = 10 << 20
)

// hopHeaders は中継してはいけないホップバイホップヘッダー。
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Client は1つの上流サービスへの中継クライアント。
type Client struct {
	// httpClient は内部で使用するHTTPクライアント。
	httpClient *http.Client
	// baseURL は接続先サービスのベースURL。末尾のスラッシュは除去済み。
	baseURL string
	// base はbaseURLを解析したもの。中継先のホストは常にこれになる。
	base *url.URL
	// baseErr はbaseURLの解析に失敗した理由。Forwardで返す。
	baseErr error
	// maxBodyBytes はレスポンスボディの上限バイト数。
	maxBodyBytes int64
}

// Option はClientの設定を変更する。
type Option func(*Client)

// WithMaxBodyBytes はレスポンスボディの上限を設定する。0以下の場合は既定値のまま。
func WithMaxBodyBytes(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxBodyBytes = n
		}
	}
}

// New は上流サービスへの中継クライアントを生成する。
// baseURLには接続先サービスのベースURL（例: "http://user-service:3001"）を指定する。
// timeoutが0以下の場合は DefaultTimeout を使う。
func New(baseURL string, timeout time.Duration, opts ...Option) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c := &Client{
		httpClient: &http.Client{
			Timeout: timeout,
			// リダイレクトは追従せずクライアントへそのまま返す
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		baseURL:      strings.TrimRight(baseURL, "/"),
		maxBodyBytes: DefaultMaxBodyBytes,
	}
	c.base, c.baseErr = parseBaseURL(c.baseURL)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// parseBaseURL はベースURLを解析する。スキームとホストが無いURLは受け付けない。
func parseBaseURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("ベースURLの解析に失敗: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("ベースURLにスキームとホストがありません: %q", raw)
	}
	u.RawQuery = ""
	u.Fragment = ""
	u.RawFragment = ""
	return u, nil
}

// BaseURL は接続先サービスのベースURLを返す。
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Request は上流へ中継するリクエスト。
type Request struct {
	// Method はHTTPメソッド。
	Method string
	// Path は上流でのデコード済みのパス。"/" で始まらない場合は補う。
	Path string
	// RawPath はPathのエスケープ済みの表現。空の場合やPathと一致しない場合はPathから組み立てる。
	RawPath string
	// RawQuery はエスケープ済みのクエリ文字列（"?" を含まない）。
	RawQuery string
	// Header は中継するヘッダー。ホップバイホップヘッダーは送信前に除去される。
	Header http.Header
	// Body はリクエストボディ。nilの場合はボディなし。
	Body io.Reader
	// ContentLength はボディの長さ。不明な場合は-1。
	ContentLength int64
}

// Response は上流から受け取ったレスポンス。ボディは読み切られている。
type Response struct {
	// StatusCode はHTTPステータスコード。
	StatusCode int
	// Header はホップバイホップヘッダーを除いたレスポンスヘッダー。
	Header http.Header
	// Body はレスポンスボディ全体。
	Body []byte
}

// Forward はリクエストを上流へ送信し、レスポンスを読み切って返す。
// 4xx/5xxも含め上流が応答した場合はエラーにならない。
// 接続失敗、タイムアウト、ボディ読み込みの失敗、上限を超えるボディは ErrUpstreamUnavailable でラップして返す。
func (c *Client) Forward(ctx context.Context, req Request) (*Response, error) {
	target, err := c.target(req)
	if err != nil {
		return nil, err
	}

	out, err := http.NewRequestWithContext(ctx, req.Method, target.String(), req.Body)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗: %w", err)
	}
	if req.Body != nil && req.ContentLength >= 0 {
		out.ContentLength = req.ContentLength
	}
	if req.Header != nil {
		out.Header = req.Header.Clone()
		removeHopHeaders(out.Header)
	}

	resp, err := c.httpClient.Do(out)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", ErrUpstreamUnavailable, req.Method, target.Redacted(), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: レスポンスボディの読み込みに失敗: %w", ErrUpstreamUnavailable, err)
	}
	if int64(len(body)) > c.maxBodyBytes {
		return nil, fmt.Errorf("%w: レスポンスボディが上限 %d バイトを超えました", ErrUpstreamUnavailable, c.maxBodyBytes)
	}

	header := resp.Header.Clone()
	removeHopHeaders(header)
	// ボディは読み切ったので長さは呼び出し側で再計算させる
	header.Del("Content-Length")

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       body,
	}, nil
}

// target はベースURLのコピーにパスとクエリを設定した中継先URLを返す。
// スキームとホストはベースURLのものから変わらない。
func (c *Client) target(req Request) (*url.URL, error) {
	if c.baseErr != nil {
		return nil, c.baseErr
	}

	path := req.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	u := *c.base
	u.Path = c.base.Path + path
	u.RawPath = ""
	if req.RawPath != "" && strings.HasPrefix(req.RawPath, "/") {
		// Pathと一致しない場合、URL.EscapedPath はRawPathを無視する
		u.RawPath = c.base.EscapedPath() + req.RawPath
	}
	u.RawQuery = req.RawQuery
	return &u, nil
}

// removeHopHeaders はホップバイホップヘッダーと、Connectionで列挙されたヘッダーを除去する。
func removeHopHeaders(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = textproto.TrimString(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}
