// Package app assembles the client: configuration, logging, local
// storage, the crypto backends, the session core, the hook host, and
// the terminal renderer. The session loop owns all protocol state; the
// app shuttles notifications between it and the bubbletea program.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"mellium.im/xmpp/jid"

	"github.com/rosterim/roster/internal/command"
	"github.com/rosterim/roster/internal/config"
	"github.com/rosterim/roster/internal/crypto/envelope"
	"github.com/rosterim/roster/internal/crypto/omemo"
	"github.com/rosterim/roster/internal/crypto/otr"
	"github.com/rosterim/roster/internal/crypto/pgp"
	"github.com/rosterim/roster/internal/logging"
	"github.com/rosterim/roster/internal/storage/sqlite"
	"github.com/rosterim/roster/internal/ui"
	"github.com/rosterim/roster/internal/ui/theme"
	"github.com/rosterim/roster/internal/xcore/caps"
	"github.com/rosterim/roster/internal/xcore/muc"
	"github.com/rosterim/roster/internal/xcore/roster"
	"github.com/rosterim/roster/internal/xcore/session"
	"github.com/rosterim/roster/internal/xmpp"
	hostplugin "github.com/rosterim/roster/pkg/plugin"
	hookapi "github.com/rosterim/roster/pkg/plugin/api"
)

// ClientName and ClientVersion identify this client on the wire.
const (
	ClientName    = "roster"
	ClientVersion = "0.5.0"
	capsNode      = "https://github.com/rosterim/roster"
)

// App owns the assembled subsystems for one logged-in identity.
type App struct {
	cfg     *config.Config
	account config.Account

	log   *logging.Logger
	db    *sqlite.DB
	sess  *session.Session
	cmd   *command.Context
	hooks *hostplugin.Host

	program *tea.Program
	cancel  context.CancelFunc
}

func ownProfile() caps.Profile {
	return caps.Profile{
		Identities: []caps.Identity{{Category: "client", Type: "console", Name: ClientName}},
		Features: []string{
			"http://jabber.org/protocol/caps",
			"http://jabber.org/protocol/chatstates",
			"http://jabber.org/protocol/disco#info",
			"http://jabber.org/protocol/muc",
			"jabber:iq:version",
			"urn:xmpp:ping",
			"urn:xmpp:receipts",
			"urn:xmpp:time",
		},
	}
}

func printPolicy(name string) muc.PrintPolicy {
	switch name {
	case "none":
		return muc.PrintNone
	case "all":
		return muc.PrintAll
	case "joins":
		return muc.PrintJoins
	default:
		return muc.PrintDefault
	}
}

// New assembles an app for one account.
func New(cfg *config.Config, account config.Account) (*App, error) {
	log, err := logging.New(logging.Config{
		Level:   cfg.Logging.Level,
		File:    cfg.Logging.File,
		Console: cfg.Logging.Console,
	})
	if err != nil {
		return nil, fmt.Errorf("app: logging: %w", err)
	}

	if err := os.MkdirAll(cfg.General.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("app: data dir: %w", err)
	}
	db, err := sqlite.New(cfg.General.DataDir)
	if err != nil {
		return nil, fmt.Errorf("app: storage: %w", err)
	}

	pgpMgr := pgp.NewManager()
	if cfg.Encryption.PGPPrivateKeyFile != "" {
		f, err := os.Open(cfg.Encryption.PGPPrivateKeyFile)
		if err != nil {
			log.Warn("app: pgp key: %v", err)
		} else {
			if err := pgpMgr.LoadOwnKey(f, nil); err != nil {
				log.Warn("app: pgp key: %v", err)
			} else {
				pgpMgr.SetEnabled(true)
			}
			f.Close()
		}
	}
	otrMgr := otr.NewManager(otr.PolicyManual, nil)
	omemoMgr, err := omemo.NewManager(account.JID, db.OMEMO(), cfg.Encryption.OMEMOTOFU)
	if err != nil {
		return nil, fmt.Errorf("app: omemo: %w", err)
	}

	sessCfg := session.Config{
		JID:               account.JID,
		Nickname:          cfg.MUC.DefaultNick,
		AutoReconnect:     cfg.General.AutoConnect,
		HistoryDir:        cfg.History.Dir,
		MaxHistoryAgeDays: cfg.History.MaxAgeDays,
		MaxHistoryBlocks:  cfg.History.MaxBlocks,
		UnreadFile:        filepath.Join(cfg.General.DataDir, "unread"),
		AutoAwayTimeout:   time.Duration(cfg.General.AutoAwaySeconds) * time.Second,
		AutoAwayMessage:   cfg.General.AutoAwayMessage,
		MUCPrintPolicy:    printPolicy(cfg.MUC.PrintStatus),
		BlockUnsubscribed: cfg.General.BlockUnsubscribed,
		LogIgnoreStatus:   cfg.History.IgnoreStatus,
		LogMUC:            cfg.History.LoadMUCLogs,
		CapsNode:          capsNode,
		Profile:           ownProfile(),
		ClientName:        ClientName,
		ClientVersion:     ClientVersion,
	}

	dial := makeDialer(cfg.Server, account)
	sess := session.New(sessCfg, dial, log)
	sess.Envelope = envelope.New(pgpMgr, otrMgr, omemoMgr)
	if scheme := parseScheme(cfg.Encryption.Default); scheme != envelope.SchemeNone {
		sess.Envelope.SetDefault(envelope.Pref{Scheme: scheme, Forced: cfg.Encryption.RequireEncryption})
	}
	sess.Signer = pgpMgr

	api := hookapi.New()
	api.SetSendMessage(func(to, body string) error {
		j, err := jid.Parse(to)
		if err != nil {
			return err
		}
		sess.Enqueue(func() { _ = sess.SendMessage(j, body) })
		return nil
	})
	api.SetContacts(func() []hostplugin.Contact {
		var out []hostplugin.Contact
		for _, e := range sess.Roster.Buddylist() {
			out = append(out, hostplugin.Contact{
				JID:    e.JID.String(),
				Name:   e.Name,
				Group:  e.Group,
				Status: showName(e.EffectiveStatus()),
				Unread: e.Flags&roster.FlagMsgPending != 0,
			})
		}
		return out
	})
	api.SetPresence(func(raw string) string {
		j, err := jid.Parse(raw)
		if err != nil {
			return "offline"
		}
		if e := sess.Roster.Get(j); e != nil {
			return showName(e.EffectiveStatus())
		}
		return "offline"
	})
	api.SetNotify(func(text string) error {
		sess.Enqueue(func() { sess.LogStatus(text) })
		return nil
	})
	hooks := hostplugin.NewHost(cfg.Hooks.HookDir, cfg.Hooks.PipePath, api)

	a := &App{
		cfg:     cfg,
		account: account,
		log:     log,
		db:      db,
		sess:    sess,
		hooks:   hooks,
	}
	a.cmd = &command.Context{Session: sess}
	return a, nil
}

// Session exposes the session core (for tests and the renderer).
func (a *App) Session() *session.Session { return a.sess }

// Run starts the session loop, the hook host, and the renderer, and
// blocks until the user quits.
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	if err := a.hooks.LoadAll(); err != nil {
		a.log.Warn("app: hooks: %v", err)
	}

	model := ui.New(a.sess, a.cmd, theme.ByName(a.cfg.UI.Theme),
		a.cfg.UI.RosterWidth, a.cfg.UI.LogHeight, a.cfg.UI.TimeFormat, a.cfg.UI.ShowTimestamps)
	a.program = tea.NewProgram(model, tea.WithAltScreen())

	go a.sess.Run(ctx)
	go a.pumpNotifications(ctx)

	if a.cfg.General.AutoConnect {
		a.sess.Enqueue(func() { _ = a.sess.Connect(ctx) })
	}

	_, err := a.program.Run()
	cancel()
	return err
}

// pumpNotifications forwards session events to the renderer and the
// hook host.
func (a *App) pumpNotifications(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-a.sess.Notifications():
			if a.program != nil {
				a.program.Send(ui.SessionMsg{Event: ev})
			}
			switch ev.Kind {
			case session.EventConnected:
				a.hooks.Dispatch(hostplugin.Event{Type: hostplugin.EventConnected, Timestamp: time.Now()})
			case session.EventDisconnected:
				a.hooks.Dispatch(hostplugin.Event{Type: hostplugin.EventDisconnected, Timestamp: time.Now()})
			case session.EventBufferChanged:
				a.hooks.Dispatch(hostplugin.Event{
					Type:      hostplugin.EventMessageIn,
					JID:       ev.JID,
					Timestamp: time.Now(),
				})
			}
		}
	}
}

// Close tears the subsystems down.
func (a *App) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	a.hooks.UnloadAll()
	if a.db != nil {
		a.db.Close()
	}
	if a.log != nil {
		a.log.Close()
	}
}

func makeDialer(server config.ServerConfig, account config.Account) session.Dialer {
	return func(ctx context.Context) (session.Transport, error) {
		t, err := xmpp.Dial(ctx, xmpp.Config{
			JID:                      account.JID,
			Password:                 account.Password,
			Server:                   server.Host,
			Port:                     server.Port,
			Resource:                 account.Resource,
			LegacySSL:                server.SSL && !server.TLS,
			Fingerprint:              server.Fingerprint,
			AllowFingerprintMismatch: server.IgnoreFingerprintMismatch,
		})
		if err != nil {
			if isAuthFailure(err) {
				return nil, &session.AuthError{Err: err}
			}
			return nil, err
		}
		return t, nil
	}
}

// isAuthFailure distinguishes credential rejections (fatal, no
// reconnect) from transport problems.
func isAuthFailure(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "sasl") ||
		strings.Contains(msg, "not-authorized") ||
		strings.Contains(msg, "credentials")
}

func showName(s roster.Show) string {
	switch s {
	case roster.ShowAvailable:
		return "online"
	case roster.ShowFreeForChat:
		return "free"
	case roster.ShowDoNotDisturb:
		return "dnd"
	case roster.ShowNotAvailable:
		return "xa"
	case roster.ShowAway:
		return "away"
	case roster.ShowInvisible:
		return "invisible"
	default:
		return "offline"
	}
}

func parseScheme(name string) envelope.Scheme {
	switch name {
	case "pgp":
		return envelope.SchemePGP
	case "otr":
		return envelope.SchemeOTR
	case "omemo":
		return envelope.SchemeOMEMO
	default:
		return envelope.SchemeNone
	}
}
