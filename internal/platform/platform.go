// Package platform decides whether code runs on behalf of an interactive
// browser session or as a server-side render, and hands out the matching
// capability boundary. Nothing outside this package branches on the
// execution context directly.
package platform

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// Kind is the execution context of a render.
type Kind int

const (
	// Server is a render with no browser session behind it (prerender, crawler-style render).
	Server Kind = iota
	// Browser is a render bound to an interactive browser session.
	Browser
)

// RenderModeHeader marks a request as a server-side render.
const RenderModeHeader = "X-Render-Mode"

// ErrNoStorage is returned when browser storage is requested in server context.
var ErrNoStorage = errors.New("browser storage is not available in server context")

func (k Kind) String() string {
	if k == Browser {
		return "browser"
	}
	return "server"
}

// Detect returns the execution context of r. A nil request is a server render.
func Detect(r *http.Request) Kind {
	if r == nil {
		return Server
	}
	if strings.EqualFold(r.Header.Get(RenderModeHeader), "server") {
		return Server
	}
	return Browser
}

// Storage is one browser's persistent key/value partition.
type Storage interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, keys ...string) error
	Clear(ctx context.Context) error
}

// StorageProvider opens the storage partition of a browser session.
type StorageProvider interface {
	Partition(sessionID string) Storage
}

// Boundary is the capability-checked view of the execution context.
type Boundary interface {
	Kind() Kind
	IsBrowser() bool
	// SessionID is empty in server context.
	SessionID() string
	// Storage reports false in server context.
	Storage() (Storage, bool)
}

type serverBoundary struct{}

// ServerBoundary returns the boundary used for server-side renders.
func ServerBoundary() Boundary { return serverBoundary{} }

func (serverBoundary) Kind() Kind               { return Server }
func (serverBoundary) IsBrowser() bool          { return false }
func (serverBoundary) SessionID() string        { return "" }
func (serverBoundary) Storage() (Storage, bool) { return nil, false }

type browserBoundary struct {
	sessionID string
	storage   Storage
}

// BrowserBoundary binds a browser session id to its storage partition.
func BrowserBoundary(sessionID string, storage Storage) Boundary {
	return &browserBoundary{sessionID: sessionID, storage: storage}
}

func (b *browserBoundary) Kind() Kind               { return Browser }
func (b *browserBoundary) IsBrowser() bool          { return true }
func (b *browserBoundary) SessionID() string        { return b.sessionID }
func (b *browserBoundary) Storage() (Storage, bool) { return b.storage, b.storage != nil }
