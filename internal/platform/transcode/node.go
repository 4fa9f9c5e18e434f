package transcode

import (
	"bytes"
	"encoding/xml"
)

// Namespace is the HL7v2-XML namespace bound to the root element.
const Namespace = "urn:hl7-org:v2xml"

type node struct {
	name     string
	text     string
	children []*node
}

func (n *node) add(name string) *node {
	child := &node{name: name}
	n.children = append(n.children, child)
	return child
}

func (n *node) appendNode(child *node) {
	n.children = append(n.children, child)
}

// marshal renders the tree with the namespace declared on the root.
func (n *node) marshal() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)

	enc := xml.NewEncoder(&buf)
	root := xml.StartElement{
		Name: xml.Name{Local: n.name},
		Attr: []xml.Attr{{Name: xml.Name{Local: "xmlns"}, Value: Namespace}},
	}
	if err := n.encode(enc, root); err != nil {
		return nil, err
	}
	if err := enc.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (n *node) encode(enc *xml.Encoder, start xml.StartElement) error {
	if err := enc.EncodeToken(start); err != nil {
		return err
	}
	if n.text != "" {
		if err := enc.EncodeToken(xml.CharData(n.text)); err != nil {
			return err
		}
	}
	for _, c := range n.children {
		if err := c.encode(enc, xml.StartElement{Name: xml.Name{Local: c.name}}); err != nil {
			return err
		}
	}
	return enc.EncodeToken(start.End())
}
