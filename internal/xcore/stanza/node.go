// Package stanza implements the abstract XML node tree the session
// core routes stanzas through. Stream framing (TCP dial, STARTTLS,
// SASL, resource bind, token read/write) is left to mellium.im/xmpp;
// this package only parses an incoming stanza into a tagged tree,
// walks and mutates it, and serializes it back out. The deterministic
// serialization used for capability hashing lives with its consumer in
// the caps package.
package stanza

import (
	"encoding/xml"
	"fmt"
	"strings"
)

// Node is a generic XML element: a name, attributes, ordered children,
// and inline text content (when it is a leaf).
type Node struct {
	Name     xml.Name
	Attr     []xml.Attr
	Children []*Node
	Text     string
}

// NewNode creates a detached node.
func NewNode(space, local string) *Node {
	return &Node{Name: xml.Name{Space: space, Local: local}}
}

// ErrProtocol reports a stanza the codec could not parse; the session
// controller treats this as a stream-fatal protocol error, never a panic.
type ErrProtocol struct {
	Reason string
}

func (e *ErrProtocol) Error() string { return "stanza: protocol error: " + e.Reason }

// Decode reads one element (and its subtree) from a token stream,
// starting at the already-consumed xml.StartElement start.
func Decode(dec xml.TokenReader, start xml.StartElement) (*Node, error) {
	n := &Node{Name: start.Name, Attr: append([]xml.Attr(nil), start.Attr...)}
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, &ErrProtocol{Reason: err.Error()}
		}
		switch t := tok.(type) {
		case xml.StartElement:
			child, err := Decode(dec, t)
			if err != nil {
				return nil, err
			}
			n.Children = append(n.Children, child)
		case xml.CharData:
			n.Text += string(t)
		case xml.EndElement:
			if t.Name != start.Name {
				return nil, &ErrProtocol{Reason: fmt.Sprintf("mismatched end element: got %v want %v", t.Name, start.Name)}
			}
			return n, nil
		}
	}
}

// Attribute returns the named attribute's value and whether it was set.
func (n *Node) Attribute(local string) (string, bool) {
	for _, a := range n.Attr {
		if a.Name.Local == local {
			return a.Value, true
		}
	}
	return "", false
}

// SetAttribute sets (or replaces) an attribute by local name.
func (n *Node) SetAttribute(local, value string) {
	for i, a := range n.Attr {
		if a.Name.Local == local {
			n.Attr[i].Value = value
			return
		}
	}
	n.Attr = append(n.Attr, xml.Attr{Name: xml.Name{Local: local}, Value: value})
}

// Child returns the first child with the given local name, or nil.
func (n *Node) Child(local string) *Node {
	for _, c := range n.Children {
		if c.Name.Local == local {
			return c
		}
	}
	return nil
}

// ChildInNS returns the first child matching namespace and local name.
func (n *Node) ChildInNS(space, local string) *Node {
	for _, c := range n.Children {
		if c.Name.Local == local && c.Name.Space == space {
			return c
		}
	}
	return nil
}

// ChildrenNamed returns all children with the given local name.
func (n *Node) ChildrenNamed(local string) []*Node {
	var out []*Node
	for _, c := range n.Children {
		if c.Name.Local == local {
			out = append(out, c)
		}
	}
	return out
}

// ChildText returns the text content of the first child with local name,
// or "" if absent.
func (n *Node) ChildText(local string) string {
	c := n.Child(local)
	if c == nil {
		return ""
	}
	return c.Text
}

// AppendChild adds a child node, preserving document order.
func (n *Node) AppendChild(c *Node) { n.Children = append(n.Children, c) }

// DetachChild removes and returns the first child with local name.
func (n *Node) DetachChild(local string) *Node {
	for i, c := range n.Children {
		if c.Name.Local == local {
			n.Children = append(n.Children[:i], n.Children[i+1:]...)
			return c
		}
	}
	return nil
}

// Encode serializes the node tree (including n itself) as XML text.
func (n *Node) Encode() (string, error) {
	var sb strings.Builder
	enc := xml.NewEncoder(&sb)
	if err := n.encodeInto(enc); err != nil {
		return "", err
	}
	if err := enc.Flush(); err != nil {
		return "", err
	}
	return sb.String(), nil
}

func (n *Node) encodeInto(enc *xml.Encoder) error {
	start := xml.StartElement{Name: n.Name, Attr: n.Attr}
	if err := enc.EncodeToken(start); err != nil {
		return err
	}
	if n.Text != "" {
		if err := enc.EncodeToken(xml.CharData(n.Text)); err != nil {
			return err
		}
	}
	for _, c := range n.Children {
		if err := c.encodeInto(enc); err != nil {
			return err
		}
	}
	return enc.EncodeToken(xml.EndElement{Name: n.Name})
}

