// Package sqlite is the local application-state store: key/value app
// state, window layout, message-archive sync cursors, and the OMEMO key
// material. Conversation text itself is NOT stored here — the
// per-contact flat-file log owns message history.
package sqlite

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/rosterim/roster/internal/crypto/omemo"
)

type DB struct {
	db *sql.DB
}

// New opens (and migrates) the database under dataDir.
func New(dataDir string) (*DB, error) {
	dbPath := filepath.Join(dataDir, "roster.db")

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &DB{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS app_state (
			key TEXT PRIMARY KEY,
			value TEXT
		)`,

		`CREATE TABLE IF NOT EXISTS window_state (
			jid TEXT PRIMARY KEY,
			position INTEGER,
			active INTEGER DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS mam_sync (
			jid TEXT PRIMARY KEY,
			last_stanza_id TEXT,
			last_timestamp INTEGER,
			last_synced INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS omemo_identities (
			jid TEXT NOT NULL,
			device_id INTEGER NOT NULL,
			identity_key BLOB NOT NULL,
			trust_level INTEGER DEFAULT 0,
			first_seen INTEGER NOT NULL,
			PRIMARY KEY (jid, device_id)
		)`,

		`CREATE TABLE IF NOT EXISTS omemo_sessions (
			jid TEXT NOT NULL,
			device_id INTEGER NOT NULL,
			session_data BLOB NOT NULL,
			PRIMARY KEY (jid, device_id)
		)`,

		`CREATE TABLE IF NOT EXISTS omemo_prekeys (
			key_id INTEGER PRIMARY KEY,
			key_data BLOB NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS omemo_signed_prekeys (
			key_id INTEGER PRIMARY KEY,
			key_data BLOB NOT NULL,
			signature BLOB NOT NULL,
			timestamp INTEGER NOT NULL
		)`,
	}

	for _, migration := range migrations {
		if _, err := d.db.Exec(migration); err != nil {
			return err
		}
	}
	return nil
}

// SetAppState stores one key/value pair.
func (d *DB) SetAppState(key, value string) error {
	_, err := d.db.Exec(
		`INSERT INTO app_state (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

// GetAppState returns the stored value, or "" when unset.
func (d *DB) GetAppState(key string) (string, error) {
	var value string
	err := d.db.QueryRow(`SELECT value FROM app_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// WindowState is the saved position of one conversation window.
type WindowState struct {
	JID      string
	Position int
	Active   bool
}

// SaveWindowState upserts one window record.
func (d *DB) SaveWindowState(w WindowState) error {
	active := 0
	if w.Active {
		active = 1
	}
	_, err := d.db.Exec(
		`INSERT INTO window_state (jid, position, active) VALUES (?, ?, ?)
		 ON CONFLICT(jid) DO UPDATE SET position = excluded.position, active = excluded.active`,
		w.JID, w.Position, active)
	return err
}

// LoadWindowStates returns all saved windows ordered by position.
func (d *DB) LoadWindowStates() ([]WindowState, error) {
	rows, err := d.db.Query(`SELECT jid, position, active FROM window_state ORDER BY position`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []WindowState
	for rows.Next() {
		var w WindowState
		var active int
		if err := rows.Scan(&w.JID, &w.Position, &active); err != nil {
			return nil, err
		}
		w.Active = active != 0
		out = append(out, w)
	}
	return out, rows.Err()
}

// MAMCursor is the archive-sync position for one conversation.
type MAMCursor struct {
	JID          string
	LastStanzaID string
	LastStamp    time.Time
}

// SetMAMCursor records how far the archive sync got.
func (d *DB) SetMAMCursor(c MAMCursor) error {
	_, err := d.db.Exec(
		`INSERT INTO mam_sync (jid, last_stanza_id, last_timestamp, last_synced) VALUES (?, ?, ?, ?)
		 ON CONFLICT(jid) DO UPDATE SET
			last_stanza_id = excluded.last_stanza_id,
			last_timestamp = excluded.last_timestamp,
			last_synced = excluded.last_synced`,
		c.JID, c.LastStanzaID, c.LastStamp.Unix(), time.Now().Unix())
	return err
}

// GetMAMCursor returns the stored cursor, or nil if none.
func (d *DB) GetMAMCursor(jid string) (*MAMCursor, error) {
	var c MAMCursor
	var stamp int64
	err := d.db.QueryRow(
		`SELECT jid, last_stanza_id, last_timestamp FROM mam_sync WHERE jid = ?`, jid).
		Scan(&c.JID, &c.LastStanzaID, &stamp)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.LastStamp = time.Unix(stamp, 0)
	return &c, nil
}

// OMEMOStore adapts the database to the OMEMO manager's persistence
// interface.
type OMEMOStore struct {
	db *DB
}

// OMEMO returns the OMEMO key store view.
func (d *DB) OMEMO() *OMEMOStore {
	return &OMEMOStore{db: d}
}

var _ omemo.Store = (*OMEMOStore)(nil)

func (s *OMEMOStore) SaveIdentity(jid string, deviceID uint32, identityKey []byte, trust omemo.TrustLevel) error {
	_, err := s.db.db.Exec(
		`INSERT INTO omemo_identities (jid, device_id, identity_key, trust_level, first_seen)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(jid, device_id) DO UPDATE SET
			identity_key = excluded.identity_key,
			trust_level = excluded.trust_level`,
		jid, deviceID, identityKey, int(trust), time.Now().Unix())
	return err
}

func (s *OMEMOStore) GetIdentity(jid string, deviceID uint32) (*omemo.Identity, error) {
	var id omemo.Identity
	var trust int
	err := s.db.db.QueryRow(
		`SELECT device_id, identity_key, trust_level FROM omemo_identities WHERE jid = ? AND device_id = ?`,
		jid, deviceID).Scan(&id.DeviceID, &id.IdentityKey, &trust)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	id.TrustLevel = omemo.TrustLevel(trust)
	return &id, nil
}

func (s *OMEMOStore) GetIdentities(jid string) ([]omemo.Identity, error) {
	rows, err := s.db.db.Query(
		`SELECT device_id, identity_key, trust_level FROM omemo_identities WHERE jid = ?`, jid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []omemo.Identity
	for rows.Next() {
		var id omemo.Identity
		var trust int
		if err := rows.Scan(&id.DeviceID, &id.IdentityKey, &trust); err != nil {
			return nil, err
		}
		id.TrustLevel = omemo.TrustLevel(trust)
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *OMEMOStore) SetTrustLevel(jid string, deviceID uint32, trust omemo.TrustLevel) error {
	_, err := s.db.db.Exec(
		`UPDATE omemo_identities SET trust_level = ? WHERE jid = ? AND device_id = ?`,
		int(trust), jid, deviceID)
	return err
}

func (s *OMEMOStore) SaveSession(jid string, deviceID uint32, sessionData []byte) error {
	_, err := s.db.db.Exec(
		`INSERT INTO omemo_sessions (jid, device_id, session_data) VALUES (?, ?, ?)
		 ON CONFLICT(jid, device_id) DO UPDATE SET session_data = excluded.session_data`,
		jid, deviceID, sessionData)
	return err
}

func (s *OMEMOStore) GetSession(jid string, deviceID uint32) ([]byte, error) {
	var data []byte
	err := s.db.db.QueryRow(
		`SELECT session_data FROM omemo_sessions WHERE jid = ? AND device_id = ?`,
		jid, deviceID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return data, err
}

func (s *OMEMOStore) DeleteSession(jid string, deviceID uint32) error {
	_, err := s.db.db.Exec(`DELETE FROM omemo_sessions WHERE jid = ? AND device_id = ?`, jid, deviceID)
	return err
}

func (s *OMEMOStore) SavePreKey(keyID uint32, keyData []byte) error {
	_, err := s.db.db.Exec(
		`INSERT INTO omemo_prekeys (key_id, key_data) VALUES (?, ?)
		 ON CONFLICT(key_id) DO UPDATE SET key_data = excluded.key_data`, keyID, keyData)
	return err
}

func (s *OMEMOStore) GetPreKey(keyID uint32) ([]byte, error) {
	var data []byte
	err := s.db.db.QueryRow(`SELECT key_data FROM omemo_prekeys WHERE key_id = ?`, keyID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return data, err
}

func (s *OMEMOStore) DeletePreKey(keyID uint32) error {
	_, err := s.db.db.Exec(`DELETE FROM omemo_prekeys WHERE key_id = ?`, keyID)
	return err
}

func (s *OMEMOStore) SaveSignedPreKey(keyID uint32, keyData, signature []byte, timestamp int64) error {
	_, err := s.db.db.Exec(
		`INSERT INTO omemo_signed_prekeys (key_id, key_data, signature, timestamp) VALUES (?, ?, ?, ?)
		 ON CONFLICT(key_id) DO UPDATE SET
			key_data = excluded.key_data,
			signature = excluded.signature,
			timestamp = excluded.timestamp`,
		keyID, keyData, signature, timestamp)
	return err
}

func (s *OMEMOStore) GetSignedPreKey(keyID uint32) ([]byte, []byte, error) {
	var data, sig []byte
	err := s.db.db.QueryRow(
		`SELECT key_data, signature FROM omemo_signed_prekeys WHERE key_id = ?`, keyID).Scan(&data, &sig)
	if err == sql.ErrNoRows {
		return nil, nil, nil
	}
	return data, sig, err
}
