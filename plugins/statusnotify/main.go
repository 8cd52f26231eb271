// statusnotify is a hook that raises a desktop notification whenever a
// contact's presence changes.
package main

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"

	"github.com/rosterim/roster/pkg/plugin"
)

// StatusNotifyHook notifies on contact status changes.
type StatusNotifyHook struct {
	api plugin.API
}

func (p *StatusNotifyHook) Name() string        { return "statusnotify" }
func (p *StatusNotifyHook) Version() string     { return "1.0.0" }
func (p *StatusNotifyHook) Description() string { return "Desktop notifications for status changes" }

func (p *StatusNotifyHook) Init(ctx context.Context, api plugin.API) error {
	p.api = api
	return nil
}

func (p *StatusNotifyHook) HandleEvent(ev plugin.Event) error {
	if ev.Type != plugin.EventStatusChange {
		return nil
	}
	name := ev.JID
	for _, c := range p.api.Contacts() {
		if c.JID == ev.JID && c.Name != "" {
			name = c.Name
			break
		}
	}

	var message string
	switch ev.Status {
	case "online":
		message = fmt.Sprintf("%s is now online", name)
	case "away":
		message = fmt.Sprintf("%s is away", name)
	case "dnd":
		message = fmt.Sprintf("%s does not want to be disturbed", name)
	case "offline":
		message = fmt.Sprintf("%s went offline", name)
	default:
		message = fmt.Sprintf("%s is now %s", name, ev.Status)
	}
	if ev.Body != "" {
		message += " (" + ev.Body + ")"
	}

	go notify("Contact status", message)
	return nil
}

func (p *StatusNotifyHook) Stop() error { return nil }

// notify shells out to the platform notification tool.
func notify(title, body string) {
	switch runtime.GOOS {
	case "darwin":
		script := fmt.Sprintf(`display notification %q with title %q`, body, title)
		_ = exec.Command("osascript", "-e", script).Run()
	default:
		_ = exec.Command("notify-send", title, body).Run()
	}
}

func main() {
	plugin.Serve(&StatusNotifyHook{})
}
