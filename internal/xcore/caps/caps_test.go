package caps

import (
	"testing"

	"github.com/rosterim/roster/internal/xcore/stanza"
)

// The worked example from XEP-0115 §5.2: a client with one identity and
// four features hashes to a fixed, known verification string.
func TestHashKnownVector(t *testing.T) {
	p := Profile{
		Identities: []Identity{{Category: "client", Type: "pc", Name: "Exodus 0.9.1"}},
		Features: []string{
			"http://jabber.org/protocol/disco#info",
			"http://jabber.org/protocol/disco#items",
			"http://jabber.org/protocol/muc",
			"http://jabber.org/protocol/caps",
		},
	}
	const want = "QgayPKawpkPSDYmwT/WM94uAlu0="
	if got := p.Hash(); got != want {
		t.Fatalf("hash = %q, want %q", got, want)
	}
}

func TestHashIsOrderIndependent(t *testing.T) {
	a := Profile{
		Identities: []Identity{
			{Category: "client", Type: "pc"},
			{Category: "client", Type: "web"},
		},
		Features: []string{"b", "a", "c"},
	}
	b := Profile{
		Identities: []Identity{
			{Category: "client", Type: "web"},
			{Category: "client", Type: "pc"},
		},
		Features: []string{"c", "a", "b"},
	}
	if a.Hash() != b.Hash() {
		t.Fatalf("hash must not depend on declaration order")
	}
}

func TestHashCoversExtensionForms(t *testing.T) {
	base := Profile{Features: []string{"http://jabber.org/protocol/caps"}}
	withForm := base
	withForm.Forms = []DataForm{{
		FormType: "urn:xmpp:dataforms:softwareinfo",
		Fields: []FormField{
			{Var: "FORM_TYPE", Values: []string{"urn:xmpp:dataforms:softwareinfo"}},
			{Var: "os", Values: []string{"Linux"}},
		},
	}}
	if base.Hash() == withForm.Hash() {
		t.Fatalf("extension forms must change the hash")
	}
}

func TestDiscoInfoRoundTrip(t *testing.T) {
	p := Profile{
		Identities: []Identity{{Category: "client", Type: "console", Name: "roster"}},
		Features:   []string{"http://jabber.org/protocol/chatstates", "urn:xmpp:ping"},
	}
	parsed := ParseDiscoInfo(p.DiscoInfoResult("http://example.org/client"))
	if parsed.Hash() != p.Hash() {
		t.Fatalf("render/parse round trip changed the hash")
	}
}

func TestParseDiscoInfoForms(t *testing.T) {
	q := stanza.NewNode(NSDiscoInfo, "query")
	x := stanza.NewNode(NSDataForms, "x")
	field := stanza.NewNode("", "field")
	field.SetAttribute("var", "FORM_TYPE")
	value := stanza.NewNode("", "value")
	value.Text = "urn:xmpp:dataforms:softwareinfo"
	field.AppendChild(value)
	x.AppendChild(field)
	q.AppendChild(x)

	p := ParseDiscoInfo(q)
	if len(p.Forms) != 1 || p.Forms[0].FormType != "urn:xmpp:dataforms:softwareinfo" {
		t.Fatalf("form not parsed: %+v", p.Forms)
	}
}

func TestCacheSingleQueryPerHash(t *testing.T) {
	c := NewCache()
	if !c.ShouldQuery("h1") {
		t.Fatalf("first sighting must trigger a query")
	}
	if c.ShouldQuery("h1") {
		t.Fatalf("second sighting of a queried hash must not re-query")
	}
}

func TestCacheStoreVerifiesHash(t *testing.T) {
	c := NewCache()
	p := Profile{Features: []string{"urn:xmpp:ping"}}
	good := p.Hash()

	c.ShouldQuery(good)
	if c.Store("bogus-hash", p) {
		t.Fatalf("mismatched hash must be rejected")
	}
	if c.Known("bogus-hash") {
		t.Fatalf("rejected profile must not be cached")
	}
	// After rejection the hash may be queried again via another resource.
	if !c.ShouldQuery("bogus-hash") {
		t.Fatalf("rejected hash should be queryable again")
	}

	if !c.Store(good, p) {
		t.Fatalf("matching profile must be accepted")
	}
	if !c.Known(good) {
		t.Fatalf("accepted profile must be cached")
	}
	if !c.HasFeature(good, "urn:xmpp:ping") {
		t.Fatalf("cached feature lookup failed")
	}
	if c.HasFeature(good, "urn:xmpp:time") {
		t.Fatalf("unadvertised feature reported as present")
	}
	if c.HasFeature("unknown", "urn:xmpp:ping") {
		t.Fatalf("unknown hash must report false")
	}
}
