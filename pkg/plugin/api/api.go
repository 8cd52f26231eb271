// Package api implements the host-side hook API: a bundle of callbacks
// the application wires in, exposed to hook processes through the
// plugin.API interface.
package api

import (
	"errors"
	"sync"

	"github.com/rosterim/roster/pkg/plugin"
)

// HookAPI implements plugin.API over callbacks into the application.
type HookAPI struct {
	mu sync.RWMutex

	sendMessage func(to, body string) error
	contacts    func() []plugin.Contact
	presence    func(jid string) string
	notify      func(text string) error
}

// New creates an empty API; wire the callbacks before loading hooks.
func New() *HookAPI {
	return &HookAPI{}
}

// SetSendMessage wires the outgoing-message callback.
func (a *HookAPI) SetSendMessage(fn func(to, body string) error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sendMessage = fn
}

// SetContacts wires the roster snapshot callback.
func (a *HookAPI) SetContacts(fn func() []plugin.Contact) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.contacts = fn
}

// SetPresence wires the presence lookup callback.
func (a *HookAPI) SetPresence(fn func(jid string) string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.presence = fn
}

// SetNotify wires the notification callback.
func (a *HookAPI) SetNotify(fn func(text string) error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.notify = fn
}

// SendMessage sends a chat message from the logged-in identity.
func (a *HookAPI) SendMessage(to, body string) error {
	a.mu.RLock()
	fn := a.sendMessage
	a.mu.RUnlock()
	if fn == nil {
		return errors.New("api: message sending not wired")
	}
	return fn(to, body)
}

// Contacts returns the roster snapshot.
func (a *HookAPI) Contacts() []plugin.Contact {
	a.mu.RLock()
	fn := a.contacts
	a.mu.RUnlock()
	if fn == nil {
		return nil
	}
	return fn()
}

// Presence returns a contact's current presence show name.
func (a *HookAPI) Presence(jid string) string {
	a.mu.RLock()
	fn := a.presence
	a.mu.RUnlock()
	if fn == nil {
		return "offline"
	}
	return fn(jid)
}

// Notify shows a user-visible notification line.
func (a *HookAPI) Notify(text string) error {
	a.mu.RLock()
	fn := a.notify
	a.mu.RUnlock()
	if fn == nil {
		return nil
	}
	return fn(text)
}

var _ plugin.API = (*HookAPI)(nil)
