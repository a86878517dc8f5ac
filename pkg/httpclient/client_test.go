package httpclient

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// testRequest はテストサーバーが受け取ったリクエスト情報を保持する構造体。
type testRequest struct {
	// Method はHTTPメソッド。
	Method string
	// Path はリクエストパス。
	Path string
	// EscapedPath はエスケープ済みのリクエストパス。
	EscapedPath string
	// RawQuery はクエリ文字列。
	RawQuery string
	// Body はリクエストボディ。
	Body []byte
	// Headers はリクエストヘッダー。
	Headers http.Header
}

// recordingServer は受け取ったリクエストをチャネルに記録するテストサーバーを起動する。
func recordingServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, <-chan testRequest) {
	t.Helper()

	received := make(chan testRequest, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received <- testRequest{
			Method:      r.Method,
			Path:        r.URL.Path,
			EscapedPath: r.URL.EscapedPath(),
			RawQuery:    r.URL.RawQuery,
			Body:        body,
			Headers:     r.Header.Clone(),
		}
		handler(w, r)
	}))
	t.Cleanup(ts.Close)
	return ts, received
}

// TestNew はNew関数でクライアントが正しく生成されることを検証する。
func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("ベースURL末尾のスラッシュが除去されること", func(t *testing.T) {
		t.Parallel()

		client := New("http://localhost:8080/", time.Second)
		if client.BaseURL() != "http://localhost:8080" {
			t.Errorf("BaseURL() = %q, want %q", client.BaseURL(), "http://localhost:8080")
		}
	})

	t.Run("タイムアウト未指定の場合は既定値が使われること", func(t *testing.T) {
		t.Parallel()

		client := New("http://localhost:8080", 0)
		if client.httpClient.Timeout != DefaultTimeout {
			t.Errorf("Timeout = %v, want %v", client.httpClient.Timeout, DefaultTimeout)
		}
		if client.maxBodyBytes != DefaultMaxBodyBytes {
			t.Errorf("maxBodyBytes = %d, want %d", client.maxBodyBytes, DefaultMaxBodyBytes)
		}
	})

	t.Run("ボディ上限の0以下の指定は無視されること", func(t *testing.T) {
		t.Parallel()

		client := New("http://localhost:8080", 0, WithMaxBodyBytes(0))
		if client.maxBodyBytes != DefaultMaxBodyBytes {
			t.Errorf("maxBodyBytes = %d, want %d", client.maxBodyBytes, DefaultMaxBodyBytes)
		}
	})

	t.Run("ホストの無いベースURLではForwardがエラーになること", func(t *testing.T) {
		t.Parallel()

		client := New("user-service:3001", time.Second)
		if _, err := client.Forward(context.Background(), Request{Method: http.MethodGet, Path: "/"}); err == nil {
			t.Error("エラーを期待したがnilだった")
		}
	})
}

// TestForwardTarget は中継先URLの組み立てを検証する。
func TestForwardTarget(t *testing.T) {
	t.Parallel()

	t.Run("パスにホストらしき文字列があっても接続先は変わらないこと", func(t *testing.T) {
		t.Parallel()

		ts, received := recordingServer(t, func(w http.ResponseWriter, _ *http.Request) {})
		client := New(ts.URL, time.Second)

		for _, path := range []string{"/@127.0.0.1:1/internal", "@127.0.0.1:1/internal"} {
			if _, err := client.Forward(context.Background(), Request{Method: http.MethodGet, Path: path}); err != nil {
				t.Fatalf("%s: Forward()でエラーが発生: %v", path, err)
			}
			if got := <-received; got.Path != "/@127.0.0.1:1/internal" {
				t.Errorf("%s: Path = %q", path, got.Path)
			}
		}
	})

	t.Run("RawPathのエスケープが保たれること", func(t *testing.T) {
		t.Parallel()

		ts, received := recordingServer(t, func(w http.ResponseWriter, _ *http.Request) {})
		client := New(ts.URL+"/v1/", time.Second)

		if _, err := client.Forward(context.Background(), Request{
			Method:  http.MethodGet,
			Path:    "/files/a/b",
			RawPath: "/files/a%2Fb",
		}); err != nil {
			t.Fatalf("Forward()でエラーが発生: %v", err)
		}
		if got := <-received; got.EscapedPath != "/v1/files/a%2Fb" {
			t.Errorf("EscapedPath = %q, want %q", got.EscapedPath, "/v1/files/a%2Fb")
		}
	})

	t.Run("Pathと一致しないRawPathは無視されること", func(t *testing.T) {
		t.Parallel()

		ts, received := recordingServer(t, func(w http.ResponseWriter, _ *http.Request) {})
		client := New(ts.URL, time.Second)

		if _, err := client.Forward(context.Background(), Request{
			Method:  http.MethodGet,
			Path:    "/x",
			RawPath: "/%2F@127.0.0.1:1/x",
		}); err != nil {
			t.Fatalf("Forward()でエラーが発生: %v", err)
		}
		if got := <-received; got.Path != "/x" {
			t.Errorf("Path = %q, want %q", got.Path, "/x")
		}
	})
}

// TestForward はForwardの中継動作を検証する。
func TestForward(t *testing.T) {
	t.Parallel()

	t.Run("メソッド・パス・クエリ・ボディが上流へ届くこと", func(t *testing.T) {
		t.Parallel()

		ts, received := recordingServer(t, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusCreated)
		})

		client := New(ts.URL, time.Second)
		body := `{"name":"concert"}`
		_, err := client.Forward(context.Background(), Request{
			Method:        http.MethodPost,
			Path:          "/events",
			RawQuery:      "draft=true&tag=a%20b",
			Header:        http.Header{"Content-Type": {"application/json"}},
			Body:          strings.NewReader(body),
			ContentLength: int64(len(body)),
		})
		if err != nil {
			t.Fatalf("Forward()でエラーが発生: %v", err)
		}

		got := <-received
		if got.Method != http.MethodPost {
			t.Errorf("Method = %q, want %q", got.Method, http.MethodPost)
		}
		if got.Path != "/events" {
			t.Errorf("Path = %q, want %q", got.Path, "/events")
		}
		if got.RawQuery != "draft=true&tag=a%20b" {
			t.Errorf("RawQuery = %q", got.RawQuery)
		}
		if string(got.Body) != body {
			t.Errorf("Body = %q, want %q", got.Body, body)
		}
		if got.Headers.Get("Content-Type") != "application/json" {
			t.Errorf("Content-Type = %q", got.Headers.Get("Content-Type"))
		}
	})

	t.Run("ホップバイホップヘッダーは上流へ送られないこと", func(t *testing.T) {
		t.Parallel()

		ts, received := recordingServer(t, func(w http.ResponseWriter, _ *http.Request) {})

		client := New(ts.URL, time.Second)
		header := http.Header{}
		header.Set("Connection", "X-Internal-Hop")
		header.Set("X-Internal-Hop", "secret")
		header.Set("Proxy-Authorization", "Basic abc")
		header.Set("Cookie", "accessToken=abc")

		if _, err := client.Forward(context.Background(), Request{
			Method: http.MethodGet,
			Path:   "/",
			Header: header,
		}); err != nil {
			t.Fatalf("Forward()でエラーが発生: %v", err)
		}

		got := <-received
		if got.Headers.Get("X-Internal-Hop") != "" {
			t.Error("Connectionで列挙されたヘッダーが送られている")
		}
		if got.Headers.Get("Proxy-Authorization") != "" {
			t.Error("Proxy-Authorizationが送られている")
		}
		if got.Headers.Get("Cookie") != "accessToken=abc" {
			t.Errorf("Cookieは中継されるべき: %q", got.Headers.Get("Cookie"))
		}
		if header.Get("X-Internal-Hop") != "secret" {
			t.Error("呼び出し側のヘッダーを書き換えてはならない")
		}
	})

	t.Run("上流のステータス・ヘッダー・ボディがそのまま返ること", func(t *testing.T) {
		t.Parallel()

		ts, _ := recordingServer(t, func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Add("Set-Cookie", "accessToken=abc; HttpOnly")
			w.Header().Add("Set-Cookie", "refreshToken=def; HttpOnly")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusConflict)
			w.Write([]byte(`{"message":"Email already in use"}`))
		})

		client := New(ts.URL, time.Second)
		resp, err := client.Forward(context.Background(), Request{Method: http.MethodPost, Path: "/auth/register"})
		if err != nil {
			t.Fatalf("上流が応答した場合はエラーにならないべき: %v", err)
		}

		if resp.StatusCode != http.StatusConflict {
			t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusConflict)
		}
		if cookies := resp.Header.Values("Set-Cookie"); len(cookies) != 2 {
			t.Errorf("Set-Cookieは2つ返るべき: %v", cookies)
		}
		if string(resp.Body) != `{"message":"Email already in use"}` {
			t.Errorf("Body = %q", resp.Body)
		}
		if resp.Header.Get("Content-Length") != "" {
			t.Error("Content-Lengthは除去されるべき")
		}
	})

	t.Run("リダイレクトは追従せずそのまま返ること", func(t *testing.T) {
		t.Parallel()

		ts, _ := recordingServer(t, func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, "https://accounts.example.com/o/oauth2", http.StatusFound)
		})

		client := New(ts.URL, time.Second)
		resp, err := client.Forward(context.Background(), Request{Method: http.MethodGet, Path: "/auth/google"})
		if err != nil {
			t.Fatalf("Forward()でエラーが発生: %v", err)
		}
		if resp.StatusCode != http.StatusFound {
			t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusFound)
		}
		if resp.Header.Get("Location") != "https://accounts.example.com/o/oauth2" {
			t.Errorf("Location = %q", resp.Header.Get("Location"))
		}
	})

	t.Run("タイムアウトした場合ErrUpstreamUnavailableが返ること", func(t *testing.T) {
		t.Parallel()

		release := make(chan struct{})
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"partial":`))
			w.(http.Flusher).Flush()
			<-release
		}))
		defer ts.Close()
		defer close(release)

		client := New(ts.URL, 50*time.Millisecond)
		resp, err := client.Forward(context.Background(), Request{Method: http.MethodGet, Path: "/slow"})
		if !errors.Is(err, ErrUpstreamUnavailable) {
			t.Fatalf("ErrUpstreamUnavailableを期待, 実際 %v", err)
		}
		if resp != nil {
			t.Error("失敗時にレスポンスを返してはならない")
		}
	})

	t.Run("上限を超えるボディはErrUpstreamUnavailableが返ること", func(t *testing.T) {
		t.Parallel()

		ts, _ := recordingServer(t, func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte(strings.Repeat("x", 17)))
		})

		client := New(ts.URL, time.Second, WithMaxBodyBytes(16))
		resp, err := client.Forward(context.Background(), Request{Method: http.MethodGet, Path: "/large"})
		if !errors.Is(err, ErrUpstreamUnavailable) {
			t.Fatalf("ErrUpstreamUnavailableを期待, 実際 %v", err)
		}
		if resp != nil {
			t.Error("失敗時にレスポンスを返してはならない")
		}
	})

	t.Run("上限ちょうどのボディは返ること", func(t *testing.T) {
		t.Parallel()

		ts, _ := recordingServer(t, func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte(strings.Repeat("x", 16)))
		})

		client := New(ts.URL, time.Second, WithMaxBodyBytes(16))
		resp, err := client.Forward(context.Background(), Request{Method: http.MethodGet, Path: "/exact"})
		if err != nil {
			t.Fatalf("Forward()でエラーが発生: %v", err)
		}
		if len(resp.Body) != 16 {
			t.Errorf("len(Body) = %d, want 16", len(resp.Body))
		}
	})

	t.Run("接続できない場合ErrUpstreamUnavailableが返ること", func(t *testing.T) {
		t.Parallel()

		client := New("http://127.0.0.1:1", time.Second)
		_, err := client.Forward(context.Background(), Request{Method: http.MethodGet, Path: "/"})
		if !errors.Is(err, ErrUpstreamUnavailable) {
			t.Fatalf("ErrUpstreamUnavailableを期待, 実際 %v", err)
		}
	})
}
