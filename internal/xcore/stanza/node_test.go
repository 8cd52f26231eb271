package stanza

import (
	"encoding/xml"
	"strings"
	"testing"
)

func decodeString(t *testing.T, s string) *Node {
	t.Helper()
	dec := xml.NewDecoder(strings.NewReader(s))
	tok, err := dec.Token()
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	start, ok := tok.(xml.StartElement)
	if !ok {
		t.Fatalf("expected start element, got %T", tok)
	}
	n, err := Decode(dec, start)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return n
}

func TestDecodeAndAccessors(t *testing.T) {
	n := decodeString(t, `<iq id="1" type="get"><query xmlns="jabber:iq:roster"><item jid="a@b"/></query></iq>`)

	if v, ok := n.Attribute("id"); !ok || v != "1" {
		t.Fatalf("expected id=1, got %q ok=%v", v, ok)
	}
	q := n.Child("query")
	if q == nil {
		t.Fatalf("expected query child")
	}
	items := q.ChildrenNamed("item")
	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(items))
	}
	jid, _ := items[0].Attribute("jid")
	if jid != "a@b" {
		t.Fatalf("unexpected jid %q", jid)
	}
}

func TestSetAttributeAppendAndDetachChild(t *testing.T) {
	n := NewNode("", "presence")
	n.SetAttribute("type", "unavailable")
	if v, _ := n.Attribute("type"); v != "unavailable" {
		t.Fatalf("set attribute failed: %q", v)
	}
	n.SetAttribute("type", "available")
	if v, _ := n.Attribute("type"); v != "available" {
		t.Fatalf("overwrite attribute failed: %q", v)
	}

	show := NewNode("", "show")
	show.Text = "away"
	n.AppendChild(show)
	if n.ChildText("show") != "away" {
		t.Fatalf("child text mismatch")
	}

	detached := n.DetachChild("show")
	if detached == nil || n.Child("show") != nil {
		t.Fatalf("detach failed")
	}
}

func TestMalformedXMLReturnsProtocolError(t *testing.T) {
	dec := xml.NewDecoder(strings.NewReader(`<iq><unterminated>`))
	tok, _ := dec.Token()
	start := tok.(xml.StartElement)
	_, err := Decode(dec, start)
	if err == nil {
		t.Fatalf("expected protocol error for malformed xml")
	}
	if _, ok := err.(*ErrProtocol); !ok {
		t.Fatalf("expected *ErrProtocol, got %T", err)
	}
}
