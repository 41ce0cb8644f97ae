// Package xmldoc wraps xmlquery with the namespace-aware lookups the relay needs.
package xmldoc

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/antchfx/xmlquery"
	"github.com/antchfx/xpath"
)

var ErrNoRoot = errors.New("document has no root element")

// Doc is a parsed XML document.
type Doc struct {
	raw  []byte
	top  *xmlquery.Node
	root *xmlquery.Node
}

// Parse parses b. Truncated or malformed input is an error.
func Parse(b []byte) (*Doc, error) {
	top, err := xmlquery.Parse(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	var root *xmlquery.Node
	for n := top.FirstChild; n != nil; n = n.NextSibling {
		if n.Type == xmlquery.ElementNode {
			root = n
			break
		}
	}
	if root == nil {
		return nil, ErrNoRoot
	}
	return &Doc{raw: b, top: top, root: root}, nil
}

func (d *Doc) Bytes() []byte { return d.raw }

// RootNamespace is the namespace URI of the document element.
func (d *Doc) RootNamespace() string { return d.root.NamespaceURI }

// Find returns the first element with this local name in document order.
func (d *Doc) Find(local string) *xmlquery.Node {
	return findFirst(d.root, func(n *xmlquery.Node) bool { return n.Data == local })
}

// FindNS is Find restricted to a namespace.
func (d *Doc) FindNS(ns, local string) *xmlquery.Node {
	return findFirst(d.root, func(n *xmlquery.Node) bool { return n.Data == local && n.NamespaceURI == ns })
}

// FindAll returns all elements with this local name, optionally in ns.
func (d *Doc) FindAll(ns, local string) []*xmlquery.Node {
	var out []*xmlquery.Node
	walk(d.root, func(n *xmlquery.Node) bool {
		if n.Data == local && (ns == "" || n.NamespaceURI == ns) {
			out = append(out, n)
		}
		return true
	})
	return out
}

// Text is the trimmed text of the first element named local, or "".
func (d *Doc) Text(local string) string {
	return Text(d.Find(local))
}

// Has reports whether an element named local exists.
func (d *Doc) Has(local string) bool { return d.Find(local) != nil }

// Eval evaluates an XPath expression. Node-set results are joined with a space.
func (d *Doc) Eval(expr string) (string, error) {
	e, err := xpath.Compile(expr)
	if err != nil {
		return "", fmt.Errorf("compile %q: %w", expr, err)
	}
	switch v := e.Evaluate(xmlquery.CreateXPathNavigator(d.top)).(type) {
	case *xpath.NodeIterator:
		var parts []string
		for v.MoveNext() {
			if s := strings.TrimSpace(v.Current().Value()); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, " "), nil
	case string:
		return strings.TrimSpace(v), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(v), nil
	default:
		return fmt.Sprint(v), nil
	}
}

// Split returns one copy of the document per element named container in ns,
// each copy keeping only its own container.
func (d *Doc) Split(ns, container string) ([][]byte, error) {
	count := len(d.FindAll(ns, container))
	out := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		cp, err := Parse(d.raw)
		if err != nil {
			return nil, err
		}
		for j, n := range cp.FindAll(ns, container) {
			if j != i {
				xmlquery.RemoveFromTree(n)
			}
		}
		out = append(out, []byte(cp.top.OutputXML(true)))
	}
	return out, nil
}

// Child returns the first descendant of n with this local name.
func Child(n *xmlquery.Node, local string) *xmlquery.Node {
	if n == nil {
		return nil
	}
	return findFirst(n, func(c *xmlquery.Node) bool { return c != n && c.Data == local })
}

// ChildText is Text(Child(n, local)).
func ChildText(n *xmlquery.Node, local string) string {
	return Text(Child(n, local))
}

// Text is the trimmed inner text of n, or "" for nil.
func Text(n *xmlquery.Node) string {
	if n == nil {
		return ""
	}
	return strings.TrimSpace(n.InnerText())
}

func findFirst(from *xmlquery.Node, match func(*xmlquery.Node) bool) *xmlquery.Node {
	var found *xmlquery.Node
	walk(from, func(n *xmlquery.Node) bool {
		if match(n) {
			found = n
			return false
		}
		return true
	})
	return found
}

// walk visits element nodes depth-first until fn returns false.
func walk(n *xmlquery.Node, fn func(*xmlquery.Node) bool) bool {
	if n == nil {
		return true
	}
	if n.Type == xmlquery.ElementNode && !fn(n) {
		return false
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if !walk(c, fn) {
			return false
		}
	}
	return true
}
