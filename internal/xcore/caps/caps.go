// Package caps implements XEP-0115 entity capabilities: the
// deterministic verification hash over an entity's disco identities,
// features and extension forms, the <c/> presence advertisement, and a
// cache of remote feature sets keyed by verification string.
//
// The cache allows one disco#info query per observed hash; later
// sightings of the same hash are answered from the cache. A reply whose
// features do not hash to the advertised value is rejected, and the hash
// may then be queried again.
package caps

import (
	"crypto/sha1"
	"encoding/base64"
	"sort"
	"strings"

	"github.com/rosterim/roster/internal/xcore/stanza"
)

// Namespaces used by this package.
const (
	NSCaps      = "http://jabber.org/protocol/caps"
	NSDiscoInfo = "http://jabber.org/protocol/disco#info"
	NSDataForms = "jabber:x:data"
)

// Identity is one disco#info identity element.
type Identity struct {
	Category string
	Type     string
	Lang     string
	Name     string
}

// FormField is one field of an extension data form.
type FormField struct {
	Var    string
	Values []string
}

// DataForm is one extension form included in the hash input
// (a jabber:x:data result form with a FORM_TYPE field).
type DataForm struct {
	FormType string
	Fields   []FormField
}

// Profile is the hashable capability set of one entity.
type Profile struct {
	Identities []Identity
	Features   []string
	Forms      []DataForm
}

// Hash computes the verification string: the base64 SHA-1 of the
// canonical concatenation of identities, features and extension forms,
// each segment sorted and '<'-terminated.
func (p Profile) Hash() string {
	var sb strings.Builder

	ids := append([]Identity(nil), p.Identities...)
	sort.Slice(ids, func(i, j int) bool {
		a, b := ids[i], ids[j]
		if a.Category != b.Category {
			return a.Category < b.Category
		}
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		return a.Lang < b.Lang
	})
	for _, id := range ids {
		sb.WriteString(id.Category)
		sb.WriteByte('/')
		sb.WriteString(id.Type)
		sb.WriteByte('/')
		sb.WriteString(id.Lang)
		sb.WriteByte('/')
		sb.WriteString(id.Name)
		sb.WriteByte('<')
	}

	features := append([]string(nil), p.Features...)
	sort.Strings(features)
	for _, f := range features {
		sb.WriteString(f)
		sb.WriteByte('<')
	}

	forms := append([]DataForm(nil), p.Forms...)
	sort.Slice(forms, func(i, j int) bool { return forms[i].FormType < forms[j].FormType })
	for _, form := range forms {
		sb.WriteString(form.FormType)
		sb.WriteByte('<')
		fields := append([]FormField(nil), form.Fields...)
		sort.Slice(fields, func(i, j int) bool { return fields[i].Var < fields[j].Var })
		for _, field := range fields {
			if field.Var == "FORM_TYPE" {
				continue
			}
			sb.WriteString(field.Var)
			sb.WriteByte('<')
			values := append([]string(nil), field.Values...)
			sort.Strings(values)
			for _, v := range values {
				sb.WriteString(v)
				sb.WriteByte('<')
			}
		}
	}

	sum := sha1.Sum([]byte(sb.String()))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// HasFeature reports whether the profile advertises a feature.
func (p Profile) HasFeature(feature string) bool {
	for _, f := range p.Features {
		if f == feature {
			return true
		}
	}
	return false
}

// PresenceC builds the <c/> element advertising our own capability hash,
// for inclusion in outgoing presence.
func PresenceC(node, ver string) *stanza.Node {
	c := stanza.NewNode(NSCaps, "c")
	c.SetAttribute("hash", "sha-1")
	c.SetAttribute("node", node)
	c.SetAttribute("ver", ver)
	return c
}

// DiscoInfoQuery builds the disco#info query for a node#ver pair.
func DiscoInfoQuery(node, ver string) *stanza.Node {
	q := stanza.NewNode(NSDiscoInfo, "query")
	if node != "" {
		q.SetAttribute("node", node+"#"+ver)
	}
	return q
}

// DiscoInfoResult renders the profile as a disco#info result payload,
// used to answer queries about our own capabilities.
func (p Profile) DiscoInfoResult(node string) *stanza.Node {
	q := stanza.NewNode(NSDiscoInfo, "query")
	if node != "" {
		q.SetAttribute("node", node)
	}
	for _, id := range p.Identities {
		n := stanza.NewNode("", "identity")
		n.SetAttribute("category", id.Category)
		n.SetAttribute("type", id.Type)
		if id.Name != "" {
			n.SetAttribute("name", id.Name)
		}
		if id.Lang != "" {
			n.SetAttribute("xml:lang", id.Lang)
		}
		q.AppendChild(n)
	}
	for _, f := range p.Features {
		n := stanza.NewNode("", "feature")
		n.SetAttribute("var", f)
		q.AppendChild(n)
	}
	return q
}

// ParseDiscoInfo extracts a Profile from a disco#info result query node.
func ParseDiscoInfo(q *stanza.Node) Profile {
	var p Profile
	for _, id := range q.ChildrenNamed("identity") {
		cat, _ := id.Attribute("category")
		typ, _ := id.Attribute("type")
		lang, _ := id.Attribute("lang")
		name, _ := id.Attribute("name")
		p.Identities = append(p.Identities, Identity{Category: cat, Type: typ, Lang: lang, Name: name})
	}
	for _, f := range q.ChildrenNamed("feature") {
		if v, ok := f.Attribute("var"); ok {
			p.Features = append(p.Features, v)
		}
	}
	for _, x := range q.ChildrenNamed("x") {
		if x.Name.Space != NSDataForms {
			continue
		}
		var form DataForm
		for _, field := range x.ChildrenNamed("field") {
			v, _ := field.Attribute("var")
			var values []string
			for _, val := range field.ChildrenNamed("value") {
				values = append(values, val.Text)
			}
			if v == "FORM_TYPE" && len(values) > 0 {
				form.FormType = values[0]
			}
			form.Fields = append(form.Fields, FormField{Var: v, Values: values})
		}
		p.Forms = append(p.Forms, form)
	}
	return p
}

// queryState tracks the single allowed disco round-trip per hash.
type queryState int

const (
	stateUnseen queryState = iota
	stateQueried
	stateKnown
)

// Cache stores verified remote capability sets keyed by hash.
type Cache struct {
	profiles map[string]Profile
	state    map[string]queryState
}

// NewCache creates an empty capability cache.
func NewCache() *Cache {
	return &Cache{profiles: make(map[string]Profile), state: make(map[string]queryState)}
}

// ShouldQuery reports whether a disco#info query should be sent for this
// hash, and marks it queried. At most one call per hash returns true,
// until a rejected Store resets that hash.
func (c *Cache) ShouldQuery(hash string) bool {
	if c.state[hash] != stateUnseen {
		return false
	}
	c.state[hash] = stateQueried
	return true
}

// Store verifies that the profile actually hashes to hash and caches it.
// A mismatched profile is rejected (the advertiser lied or the disco
// answer was tampered with) and the hash stays unknown.
func (c *Cache) Store(hash string, p Profile) bool {
	if p.Hash() != hash {
		// Allow another query attempt against a different resource.
		c.state[hash] = stateUnseen
		return false
	}
	c.profiles[hash] = p
	c.state[hash] = stateKnown
	return true
}

// Known reports whether the hash has a verified cached profile.
func (c *Cache) Known(hash string) bool {
	return c.state[hash] == stateKnown
}

// HasFeature reports whether the cached profile for hash advertises a
// feature. Unknown hashes report false.
func (c *Cache) HasFeature(hash, feature string) bool {
	p, ok := c.profiles[hash]
	if !ok {
		return false
	}
	return p.HasFeature(feature)
}
