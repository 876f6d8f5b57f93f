// Package session derives the anonymous identity of a connecting client.
// There are no accounts: whoever presents a session id owns it.
package session

import (
	"fmt"
	"hash/fnv"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/tsarna/diagramhub/pkg/diagramhub"
	"github.com/tsarna/diagramhub/pkg/diagramhub/protocol"
)

const (
	CookieName  = "sessionid"
	HeaderName  = "X-Session-ID"
	QueryParam  = "session_id"
	NicknameArg = "nickname"

	MaxTokenLength = 128
)

// Where a session id was found.
const (
	SourcePath   = "path"
	SourceCookie = "cookie"
	SourceHeader = "header"
	SourceQuery  = "query"
)

// Handshake holds the identity-bearing parts of an upgrade request.
type Handshake struct {
	PathSessionID   string
	CookieSessionID string
	HeaderSessionID string
	QuerySessionID  string
	Nickname        string
}

// HandshakeFromRequest collects every candidate session id from r.
// pathSessionID is the routed path segment, or "" for routes without one.
func HandshakeFromRequest(r *http.Request, pathSessionID string) Handshake {
	h := Handshake{
		PathSessionID:   pathSessionID,
		HeaderSessionID: r.Header.Get(HeaderName),
		QuerySessionID:  r.URL.Query().Get(QueryParam),
		Nickname:        r.URL.Query().Get(NicknameArg),
	}
	if c, err := r.Cookie(CookieName); err == nil {
		h.CookieSessionID = c.Value
	}
	return h
}

// Identity is the resolved owner of a connection.
type Identity struct {
	SessionID string
	Nickname  string
	Source    string
}

// Resolver turns a Handshake into an Identity.
type Resolver struct{}

func NewResolver() *Resolver {
	return &Resolver{}
}

// Resolve picks the first usable session id, in order: path, cookie, header,
// query. Values that are too long or contain characters outside
// [A-Za-z0-9._:-] are skipped as though absent. When none is usable the
// result wraps diagramhub.ErrUnauthenticated.
func (r *Resolver) Resolve(h Handshake) (Identity, error) {
	candidates := []struct{ value, source string }{
		{h.PathSessionID, SourcePath},
		{h.CookieSessionID, SourceCookie},
		{h.HeaderSessionID, SourceHeader},
		{h.QuerySessionID, SourceQuery},
	}

	for _, c := range candidates {
		token := strings.TrimSpace(c.value)
		if !ValidToken(token) {
			continue
		}

		nickname, ok := NormalizeNickname(h.Nickname)
		if !ok {
			nickname = DefaultNickname(token)
		}
		return Identity{SessionID: token, Nickname: nickname, Source: c.source}, nil
	}

	return Identity{}, fmt.Errorf("%w: no session id in path, cookie, header or query", diagramhub.ErrUnauthenticated)
}

// ValidToken reports whether s can be used as a session id.
func ValidToken(s string) bool {
	if s == "" || len(s) > MaxTokenLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '.', c == '_', c == ':', c == '-':
		default:
			return false
		}
	}
	return true
}

// DefaultNickname derives a stable display name from a session id, so every
// tab of one session shows the same name.
func DefaultNickname(sessionID string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	return fmt.Sprintf("Guest_%04d", h.Sum32()%10000)
}

// NormalizeNickname trims s and reports whether the result is an
// acceptable nickname (1 to 20 characters, printable).
func NormalizeNickname(s string) (string, bool) {
	s = strings.TrimSpace(s)
	n := utf8.RuneCountInString(s)
	if n == 0 || n > protocol.MaxNicknameLength || !utf8.ValidString(s) {
		return "", false
	}
	for _, r := range s {
		if r < 0x20 || r == 0x7f {
			return "", false
		}
	}
	return s, true
}
