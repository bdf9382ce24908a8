// Package auth validates tunnel stream logins and carries the token
// material the reactor worker fetches.
//
// It avoids policy decisions and storage concerns.
package auth

import (
	"crypto/subtle"
	"errors"
	"strings"
	"time"

	"github.com/danmuck/mdreactor/internal/protocol"
)

var ErrUnauthorized = errors.New("auth: unauthorized")

// Login is the identity a consumer presents when a tunnel stream requires
// OMM login authentication.
type Login struct {
	UserName      string
	Token         string
	ApplicationID string
}

// Validator validates a login.
type Validator interface {
	Validate(login Login) error
}

// StaticToken accepts any user presenting one shared token.
// It is intended only for development and proofs of concept.
type StaticToken struct {
	Token string
}

func (s StaticToken) Validate(login Login) error {
	if s.Token == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(s.Token), []byte(login.Token)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// UserTokens accepts a login whose token matches the one stored for its
// user name.
type UserTokens map[string]string

func (u UserTokens) Validate(login Login) error {
	want, ok := u[strings.TrimSpace(login.UserName)]
	if !ok || want == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(want), []byte(login.Token)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// FuncValidator adapts a function into a Validator.
type FuncValidator func(login Login) error

func (f FuncValidator) Validate(login Login) error {
	return f(login)
}

// TokenInfo is an access token obtained out of band.
type TokenInfo struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	Scope        string
	ExpiresIn    time.Duration
	IssuedAt     time.Time
}

// Expired reports whether the token is past its lifetime at now.
func (t TokenInfo) Expired(now time.Time) bool {
	if t.ExpiresIn <= 0 {
		return false
	}
	return !now.Before(t.IssuedAt.Add(t.ExpiresIn))
}

// LoginRequest builds the login-domain request a consumer sends on
// streamID.
func LoginRequest(streamID int32, login Login) *protocol.Msg {
	m := &protocol.Msg{
		Class:    protocol.ClassRequest,
		StreamID: streamID,
		Domain:   protocol.DomainLogin,
		Flags:    protocol.FlagStreaming,
	}
	m.SetKeyName(login.UserName)
	return m
}
