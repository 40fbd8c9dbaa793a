// Package auth validates the token a remote producer presents when it
// attaches to a queue.
package auth

import (
	"crypto/subtle"
	"errors"
)

var ErrUnauthorized = errors.New("auth: unauthorized")

// Validator decides whether token may attach to queue.
type Validator interface {
	Validate(queue, token string) error
}

func tokenMatches(want, got string) bool {
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}

// StaticToken accepts one shared token for every queue. An empty Token
// denies everything.
type StaticToken struct {
	Token string
}

func (s StaticToken) Validate(_, token string) error {
	if s.Token == "" || !tokenMatches(s.Token, token) {
		return ErrUnauthorized
	}
	return nil
}

// QueueTokens checks a per-queue token, falling back to Default for queues
// without one. A queue whose resolved token is empty is open.
type QueueTokens struct {
	Default  string
	PerQueue map[string]string
}

// Open reports whether no queue requires a token.
func (q QueueTokens) Open() bool {
	if q.Default != "" {
		return false
	}
	for _, tok := range q.PerQueue {
		if tok != "" {
			return false
		}
	}
	return true
}

func (q QueueTokens) Validate(queue, token string) error {
	want, ok := q.PerQueue[queue]
	if !ok || want == "" {
		want = q.Default
	}
	if want == "" {
		return nil
	}
	if !tokenMatches(want, token) {
		return ErrUnauthorized
	}
	return nil
}

// FuncValidator adapts a function into a Validator.
type FuncValidator func(queue, token string) error

func (f FuncValidator) Validate(queue, token string) error {
	return f(queue, token)
}
