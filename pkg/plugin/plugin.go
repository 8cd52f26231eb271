// Package plugin is the external event hook surface: out-of-process
// hook programs that get told about session events (messages in and
// out, status changes, connect/disconnect) and can call a narrow API
// back into the client. Hook processes inherit the command-pipe path
// through the environment so shell children they spawn know where to
// write commands.
package plugin

import (
	"context"
	"time"
)

// PipeEnvVar names the environment variable carrying the command-pipe
// path into hook processes and their children.
const PipeEnvVar = "ROSTER_CMD_PIPE"

// EventType tags a hook event.
type EventType int

const (
	EventMessageIn EventType = iota
	EventMessageOut
	EventStatusChange
	EventConnected
	EventDisconnected
	EventMUCTopic
)

// Event is one session occurrence delivered to every running hook.
type Event struct {
	Type      EventType
	JID       string // bare peer / room JID
	Resource  string
	Body      string // message text, status message, or topic
	Status    string // presence show name for status changes
	Groupchat bool
	Timestamp time.Time
}

// Hook is the contract a hook program implements.
type Hook interface {
	// Name returns the hook name.
	Name() string

	// Version returns the hook version.
	Version() string

	// Description returns a short description.
	Description() string

	// Init hands the hook its API access.
	Init(ctx context.Context, api API) error

	// HandleEvent processes one session event. Hooks must not block;
	// slow work belongs on their own goroutines.
	HandleEvent(ev Event) error

	// Stop shuts the hook down.
	Stop() error
}

// API is the narrow surface hooks may call back into.
type API interface {
	// SendMessage sends a chat message from the logged-in identity.
	SendMessage(to, body string) error

	// Contacts returns the roster as seen right now.
	Contacts() []Contact

	// Presence returns the current presence show name for a bare JID.
	Presence(jid string) string

	// Notify shows a user-visible notification line.
	Notify(text string) error
}

// Contact is the roster view handed to hooks.
type Contact struct {
	JID       string
	Name      string
	Group     string
	Status    string
	StatusMsg string
	Unread    bool
}

// Metadata describes a hook binary.
type Metadata struct {
	Name        string
	Version     string
	Description string
	Author      string
}
