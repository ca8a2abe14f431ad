package protocol

import (
	"bytes"
	"encoding/xml"
)

// elem is a minimal, mutable XML element tree. Responses are assembled by
// building a tree of these and encoding it with xml.Encoder's token API,
// per the design note against building XML replies by string
// concatenation.
type elem struct {
	name     string
	attrs    []xml.Attr
	text     string
	children []*elem
}

func newElem(name string) *elem {
	return &elem{name: name}
}

func (e *elem) attr(key, value string) *elem {
	e.attrs = append(e.attrs, xml.Attr{Name: xml.Name{Local: key}, Value: value})
	return e
}

func (e *elem) setText(text string) *elem {
	e.text = text
	return e
}

func (e *elem) addChild(c *elem) *elem {
	e.children = append(e.children, c)
	return e
}

func (e *elem) encode(enc *xml.Encoder) error {
	start := xml.StartElement{Name: xml.Name{Local: e.name}, Attr: e.attrs}
	if err := enc.EncodeToken(start); err != nil {
		return err
	}
	if e.text != "" {
		if err := enc.EncodeToken(xml.CharData(e.text)); err != nil {
			return err
		}
	}
	for _, c := range e.children {
		if err := c.encode(enc); err != nil {
			return err
		}
	}
	return enc.EncodeToken(start.End())
}

// render serializes root (and its descendants) to a UTF-8 XML document
// with no prepended length prefix, as §6 requires for replies.
func render(root *elem) ([]byte, error) {
	var buf bytes.Buffer
	enc := xml.NewEncoder(&buf)
	if err := root.encode(enc); err != nil {
		return nil, err
	}
	if err := enc.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
