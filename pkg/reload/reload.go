// Package reload implements the live-reload broadcast channel used during
// development.
package reload

import (
	"fmt"

	"github.com/pageforge/pageforge/pkg/types"
)

// Kind selects how connected browsers react to a notification
type Kind string

const (
	// KindReload asks clients to reload the whole page
	KindReload Kind = "reload"
	// KindInject asks clients to swap updated assets in place
	KindInject Kind = "inject"
)

// Scope describes what changed
type Scope struct {
	Kind  Kind            `json:"type"`
	Asset types.AssetType `json:"asset,omitempty"`
}

// FullPage returns a full-reload scope for an asset type
func FullPage(asset types.AssetType) Scope {
	return Scope{Kind: KindReload, Asset: asset}
}

// Inject returns an in-place update scope for an asset type
func Inject(asset types.AssetType) Scope {
	return Scope{Kind: KindInject, Asset: asset}
}

func (s Scope) String() string {
	if s.Asset == "" {
		return string(s.Kind)
	}
	return fmt.Sprintf("%s:%s", s.Kind, s.Asset)
}

// Notifier is the reload channel. Notify is fire-and-forget: it never
// blocks on clients and is a no-op when nobody is connected.
type Notifier interface {
	Notify(scope Scope)
}

// NotifierFunc adapts a function to Notifier
type NotifierFunc func(Scope)

// Notify implements Notifier
func (f NotifierFunc) Notify(scope Scope) { f(scope) }

// Nop discards notifications
type Nop struct{}

// Notify implements Notifier
func (Nop) Notify(Scope) {}
