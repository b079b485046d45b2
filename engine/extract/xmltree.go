package extract

import (
	"encoding/xml"
	"strings"
)

// xmlElem is a minimal parsed XML tree node: local tag name (namespace
// prefix stripped), attributes, own character data, and children. The 1C
// export XML formats this extractor reads (Roles, HTTPServices,
// DocumentJournals, Forms) are simple enough that a generic tree plus
// tag-name lookups stands in for a full XPath engine.
type xmlElem struct {
	Tag      string
	Attrs    map[string]string
	Text     string
	Children []*xmlElem
}

func parseXMLTree(content string) (*xmlElem, error) {
	dec := xml.NewDecoder(strings.NewReader(content))
	dec.Strict = false

	var stack []*xmlElem
	var root *xmlElem

	for {
		tok, err := dec.Token()
		if err != nil {
			if err.Error() == "EOF" {
				break
			}
			return root, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			el := &xmlElem{Tag: t.Name.Local, Attrs: map[string]string{}}
			for _, a := range t.Attr {
				el.Attrs[a.Name.Local] = a.Value
			}
			if len(stack) > 0 {
				parent := stack[len(stack)-1]
				parent.Children = append(parent.Children, el)
			} else if root == nil {
				root = el
			}
			stack = append(stack, el)
		case xml.EndElement:
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		case xml.CharData:
			if len(stack) > 0 {
				cur := stack[len(stack)-1]
				cur.Text += string(t)
			}
		}
	}
	return root, nil
}

// findFirst runs a depth-first search from el (inclusive) for the first
// element whose tag matches one of tags.
func findFirst(el *xmlElem, tags ...string) *xmlElem {
	if el == nil {
		return nil
	}
	set := toTagSet(tags)
	var found *xmlElem
	var walk func(*xmlElem)
	walk = func(n *xmlElem) {
		if found != nil || n == nil {
			return
		}
		if set[n.Tag] {
			found = n
			return
		}
		for _, c := range n.Children {
			walk(c)
			if found != nil {
				return
			}
		}
	}
	walk(el)
	return found
}

// findAll collects every descendant (inclusive) whose tag matches one of
// tags, in document order.
func findAll(el *xmlElem, tags ...string) []*xmlElem {
	if el == nil {
		return nil
	}
	set := toTagSet(tags)
	var out []*xmlElem
	var walk func(*xmlElem)
	walk = func(n *xmlElem) {
		if n == nil {
			return
		}
		if set[n.Tag] {
			out = append(out, n)
		}
		for _, c := range n.Children {
			walk(c)
		}
	}
	walk(el)
	return out
}

func toTagSet(tags []string) map[string]bool {
	set := make(map[string]bool, len(tags))
	for _, t := range tags {
		set[t] = true
	}
	return set
}

func (e *xmlElem) text() string {
	if e == nil {
		return ""
	}
	return strings.TrimSpace(e.Text)
}
