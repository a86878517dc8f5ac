package gateway

import "strings"

// UserAuthPrefix はユーザーサービスの認証APIのパス接頭辞。
const UserAuthPrefix = "/api/user/auth"

// DefaultPublicPatterns は認証不要なパスパターンの既定値を返す。
func DefaultPublicPatterns() []string {
	return []string{
		UserAuthPrefix + "/login",
		UserAuthPrefix + "/register",
		UserAuthPrefix + "/google",
		UserAuthPrefix + "/logout",
		UserAuthPrefix + "/forgot-password",
		UserAuthPrefix + "/reset-password/:token",
		UserAuthPrefix + "/refresh-token",
	}
}

// PublicRoutes は認証不要なパスパターンの集合。生成後は変更されない。
//
// パターンはパス全体に対してセグメント単位で照合する。":" で始まるセグメントは
// 任意の空でない1セグメントに一致し、それ以外は完全一致を要求する。
// セグメント数が異なるパスには一致しない（末尾のスラッシュも1セグメントとして数える）。
type PublicRoutes struct {
	patterns [][]string
}

// NewPublicRoutes はパターンを登録順に保持するPublicRoutesを生成する。
func NewPublicRoutes(patterns ...string) *PublicRoutes {
	p := &PublicRoutes{patterns: make([][]string, 0, len(patterns))}
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" || !strings.HasPrefix(pattern, "/") {
			continue
		}
		p.patterns = append(p.patterns, strings.Split(pattern, "/"))
	}
	return p
}

// IsPublic はパスがいずれかのパターンに一致するかどうかを返す。
// pathにはクエリ文字列を含めない。一致しないパスは認証必須として扱う。
func (p *PublicRoutes) IsPublic(path string) bool {
	segments := strings.Split(path, "/")
	for _, pattern := range p.patterns {
		if matchSegments(pattern, segments) {
			return true
		}
	}
	return false
}

func matchSegments(pattern, segments []string) bool {
	if len(pattern) != len(segments) {
		return false
	}
	for i, want := range pattern {
		got := segments[i]
		if strings.HasPrefix(want, ":") {
			if got == "" {
				return false
			}
			continue
		}
		if want != got {
			return false
		}
	}
	return true
}
