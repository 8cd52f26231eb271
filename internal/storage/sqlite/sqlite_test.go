package sqlite

import (
	"testing"
	"time"

	"github.com/rosterim/roster/internal/crypto/omemo"
)

func newDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestAppStateRoundTrip(t *testing.T) {
	db := newDB(t)

	if v, err := db.GetAppState("missing"); err != nil || v != "" {
		t.Fatalf("missing key = %q, %v", v, err)
	}
	if err := db.SetAppState("theme", "dark"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := db.SetAppState("theme", "light"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	v, err := db.GetAppState("theme")
	if err != nil || v != "light" {
		t.Fatalf("get = %q, %v", v, err)
	}
}

func TestWindowState(t *testing.T) {
	db := newDB(t)
	for i, jid := range []string{"alice@ex", "bob@ex"} {
		if err := db.SaveWindowState(WindowState{JID: jid, Position: i, Active: i == 1}); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	states, err := db.LoadWindowStates()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(states) != 2 || states[0].JID != "alice@ex" || !states[1].Active {
		t.Fatalf("states = %+v", states)
	}
}

func TestMAMCursor(t *testing.T) {
	db := newDB(t)
	if c, err := db.GetMAMCursor("alice@ex"); err != nil || c != nil {
		t.Fatalf("missing cursor = %+v, %v", c, err)
	}
	stamp := time.Unix(1700000000, 0)
	if err := db.SetMAMCursor(MAMCursor{JID: "alice@ex", LastStanzaID: "abc", LastStamp: stamp}); err != nil {
		t.Fatalf("set: %v", err)
	}
	c, err := db.GetMAMCursor("alice@ex")
	if err != nil || c == nil {
		t.Fatalf("get: %+v, %v", c, err)
	}
	if c.LastStanzaID != "abc" || !c.LastStamp.Equal(stamp) {
		t.Fatalf("cursor = %+v", c)
	}
}

func TestOMEMOStore(t *testing.T) {
	db := newDB(t)
	st := db.OMEMO()

	if err := st.SaveIdentity("alice@ex", 7, []byte("ikey"), omemo.TrustTrusted); err != nil {
		t.Fatalf("save identity: %v", err)
	}
	id, err := st.GetIdentity("alice@ex", 7)
	if err != nil || id == nil {
		t.Fatalf("get identity: %+v, %v", id, err)
	}
	if string(id.IdentityKey) != "ikey" || id.TrustLevel != omemo.TrustTrusted {
		t.Fatalf("identity = %+v", id)
	}

	if err := st.SetTrustLevel("alice@ex", 7, omemo.TrustVerified); err != nil {
		t.Fatalf("set trust: %v", err)
	}
	ids, err := st.GetIdentities("alice@ex")
	if err != nil || len(ids) != 1 || ids[0].TrustLevel != omemo.TrustVerified {
		t.Fatalf("identities = %+v, %v", ids, err)
	}

	if err := st.SaveSession("alice@ex", 7, []byte("sess")); err != nil {
		t.Fatalf("save session: %v", err)
	}
	data, err := st.GetSession("alice@ex", 7)
	if err != nil || string(data) != "sess" {
		t.Fatalf("session = %q, %v", data, err)
	}
	if err := st.DeleteSession("alice@ex", 7); err != nil {
		t.Fatalf("delete session: %v", err)
	}
	if data, _ := st.GetSession("alice@ex", 7); data != nil {
		t.Fatalf("deleted session still present")
	}

	if err := st.SavePreKey(1, []byte("pk")); err != nil {
		t.Fatalf("save prekey: %v", err)
	}
	if data, _ := st.GetPreKey(1); string(data) != "pk" {
		t.Fatalf("prekey = %q", data)
	}
	if err := st.DeletePreKey(1); err != nil {
		t.Fatalf("delete prekey: %v", err)
	}

	if err := st.SaveSignedPreKey(1, []byte("spk"), []byte("sig"), 42); err != nil {
		t.Fatalf("save signed prekey: %v", err)
	}
	data2, sig, err := st.GetSignedPreKey(1)
	if err != nil || string(data2) != "spk" || string(sig) != "sig" {
		t.Fatalf("signed prekey = %q, %q, %v", data2, sig, err)
	}
}
