package snapshot

import (
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/celerix-dev/celerix-snapshot/pkg/schema"
)

// XML rules, both directions:
//   - every map key becomes an element name; a purely numeric key becomes "item",
//     and so does every element of a sequence;
//   - element names are sanitized: characters outside [A-Za-z0-9_-] become "_", and a
//     leading digit or dash gets a "_" prefix;
//   - when the element name differs from the original map key, the key travels in a
//     key="..." attribute; so does a map key that is literally "item", which keeps such
//     a map apart from a sequence; nulls carry null="true";
//   - leaves are escaped text; on decode, values are coerced to the kind declared by
//     the section catalogue, and undeclared fields stay strings.

const xmlRoot = "snapshot"

// ElementName maps a key to the XML element name used for it.
func ElementName(key string) string {
	if key == "" || isDigits(key) {
		return "item"
	}
	var b strings.Builder
	for _, r := range key {
		if r < 0x80 && (r == '_' || r == '-' || r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	name := b.String()
	if c := name[0]; c == '-' || c >= '0' && c <= '9' {
		name = "_" + name
	}
	return name
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s != ""
}

type xmlWriter struct {
	enc *xml.Encoder
}

func encodeXML(w io.Writer, s *Snapshot) error {
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	xw := &xmlWriter{enc: xml.NewEncoder(w)}
	xw.enc.Indent("", "  ")

	if err := xw.open(xmlRoot, false); err != nil {
		return err
	}
	if err := xw.leaf("version", false, strconv.Itoa(s.Version)); err != nil {
		return err
	}
	if s.ID != "" {
		if err := xw.leaf("id", false, s.ID); err != nil {
			return err
		}
	}
	if err := xw.leaf("exported_at", false, s.ExportedAt.UTC().Format(time.RFC3339Nano)); err != nil {
		return err
	}
	if len(s.Sections) > 0 {
		if err := xw.value("sections", toAnySlice(s.Sections)); err != nil {
			return err
		}
	}

	if err := xw.open("central", false); err != nil {
		return err
	}
	central := []struct {
		key  string
		rows []schema.Record
	}{
		{schema.SectionTenants, s.Central.Tenants},
		{schema.SectionUsers, s.Central.Users},
		{schema.SectionUserPreferences, s.Central.UserPreferences},
		{schema.SectionTenantUser, s.Central.TenantUser},
	}
	for _, c := range central {
		if len(c.rows) == 0 {
			continue
		}
		if err := xw.rows(c.key, c.rows); err != nil {
			return err
		}
	}
	if s.Central.SiteSettings != nil {
		if err := xw.record(schema.SectionSiteSettings, *s.Central.SiteSettings); err != nil {
			return err
		}
	}
	if err := xw.close("central"); err != nil {
		return err
	}

	if err := xw.open("tenant_data", false); err != nil {
		return err
	}
	for _, id := range s.TenantIDs() {
		if err := xw.open(id, false); err != nil {
			return err
		}
		bag := s.TenantData[id]
		for _, key := range sortedKeys(bag) {
			if err := xw.rows(key, bag[key]); err != nil {
				return err
			}
		}
		if err := xw.close(id); err != nil {
			return err
		}
	}
	if err := xw.close("tenant_data"); err != nil {
		return err
	}

	if err := xw.close(xmlRoot); err != nil {
		return err
	}
	if err := xw.enc.Flush(); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\n")
	return err
}

// start opens the element for key. keyed marks a map entry, whose "item" key must not
// read back as a sequence element.
func (x *xmlWriter) start(key string, keyed bool, attrs ...xml.Attr) xml.StartElement {
	name := ElementName(key)
	if name != key || keyed && name == "item" {
		attrs = append([]xml.Attr{{Name: xml.Name{Local: "key"}, Value: key}}, attrs...)
	}
	return xml.StartElement{Name: xml.Name{Local: name}, Attr: attrs}
}

func (x *xmlWriter) open(key string, keyed bool) error {
	return x.enc.EncodeToken(x.start(key, keyed))
}

func (x *xmlWriter) close(key string) error {
	return x.enc.EncodeToken(xml.EndElement{Name: xml.Name{Local: ElementName(key)}})
}

func (x *xmlWriter) leaf(key string, keyed bool, text string) error {
	start := x.start(key, keyed)
	if err := x.enc.EncodeToken(start); err != nil {
		return err
	}
	if text != "" {
		if err := x.enc.EncodeToken(xml.CharData(text)); err != nil {
			return err
		}
	}
	return x.enc.EncodeToken(start.End())
}

func (x *xmlWriter) rows(key string, rows []schema.Record) error {
	if err := x.open(key, false); err != nil {
		return err
	}
	for _, rec := range rows {
		if err := x.record("item", rec); err != nil {
			return err
		}
	}
	return x.close(key)
}

func (x *xmlWriter) record(key string, rec schema.Record) error {
	if err := x.open(key, false); err != nil {
		return err
	}
	for _, k := range rec.Keys() {
		val, _ := rec.Get(k)
		if err := x.value(k, val); err != nil {
			return err
		}
	}
	return x.close(key)
}

func (x *xmlWriter) value(key string, val any) error {
	return x.entry(key, false, val)
}

func (x *xmlWriter) entry(key string, keyed bool, val any) error {
	switch v := val.(type) {
	case nil:
		start := x.start(key, keyed, xml.Attr{Name: xml.Name{Local: "null"}, Value: "true"})
		if err := x.enc.EncodeToken(start); err != nil {
			return err
		}
		return x.enc.EncodeToken(start.End())
	case map[string]any:
		if err := x.open(key, keyed); err != nil {
			return err
		}
		for _, k := range sortedKeys(v) {
			if err := x.entry(k, true, v[k]); err != nil {
				return err
			}
		}
		return x.close(key)
	case []any:
		if err := x.open(key, keyed); err != nil {
			return err
		}
		for _, item := range v {
			if err := x.value("item", item); err != nil {
				return err
			}
		}
		return x.close(key)
	default:
		return x.leaf(key, keyed, leafText(v))
	}
}

func leafText(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return fmt.Sprint(v)
	}
}

// xmlNode is one parsed element.
type xmlNode struct {
	name     string
	key      string
	hasKey   bool
	null     bool
	text     strings.Builder
	children []*xmlNode
}

func (n *xmlNode) mapKey() string {
	if n.hasKey {
		return n.key
	}
	return n.name
}

func (n *xmlNode) isList() bool {
	for _, c := range n.children {
		if c.name != "item" || c.hasKey {
			return false
		}
	}
	return len(n.children) > 0
}

func (n *xmlNode) value() any {
	switch {
	case n.null:
		return nil
	case len(n.children) == 0:
		return n.text.String()
	case n.isList():
		out := make([]any, len(n.children))
		for i, c := range n.children {
			out[i] = c.value()
		}
		return out
	default:
		out := make(map[string]any, len(n.children))
		for _, c := range n.children {
			out[c.mapKey()] = c.value()
		}
		return out
	}
}

func (n *xmlNode) record() schema.Record {
	var rec schema.Record
	for _, c := range n.children {
		rec.Set(c.mapKey(), c.value())
	}
	return rec
}

func (n *xmlNode) rows() []schema.Record {
	out := make([]schema.Record, 0, len(n.children))
	for _, c := range n.children {
		out = append(out, c.record())
	}
	return out
}

func parseXML(r io.Reader) (*xmlNode, error) {
	dec := xml.NewDecoder(r)
	var stack []*xmlNode
	var root *xmlNode
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			n := &xmlNode{name: t.Name.Local}
			for _, a := range t.Attr {
				switch a.Name.Local {
				case "key":
					n.key, n.hasKey = a.Value, true
				case "null":
					n.null = a.Value == "true"
				}
			}
			if len(stack) > 0 {
				parent := stack[len(stack)-1]
				parent.children = append(parent.children, n)
			} else if root == nil {
				root = n
			}
			stack = append(stack, n)
		case xml.CharData:
			if len(stack) > 0 {
				stack[len(stack)-1].text.Write(t)
			}
		case xml.EndElement:
			if len(stack) == 0 {
				return nil, fmt.Errorf("unexpected end element %s", t.Name.Local)
			}
			stack = stack[:len(stack)-1]
		}
	}
	if root == nil {
		return nil, fmt.Errorf("empty document")
	}
	return root, nil
}

func decodeXML(r io.Reader) (*Snapshot, error) {
	root, err := parseXML(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFormat, err)
	}
	if root.name != xmlRoot {
		return nil, fmt.Errorf("%w: root element is %q, want %q", ErrFormat, root.name, xmlRoot)
	}

	s := &Snapshot{TenantData: make(map[string]TenantBag)}
	for _, child := range root.children {
		text := strings.TrimSpace(child.text.String())
		switch child.mapKey() {
		case "version":
			v, err := strconv.Atoi(text)
			if err != nil {
				return nil, fmt.Errorf("%w: version: %w", ErrFormat, err)
			}
			s.Version = v
		case "id":
			s.ID = text
		case "exported_at":
			if text == "" {
				continue
			}
			ts, err := time.Parse(time.RFC3339Nano, text)
			if err != nil {
				return nil, fmt.Errorf("%w: exported_at: %w", ErrFormat, err)
			}
			s.ExportedAt = ts
		case "sections":
			for _, item := range child.children {
				s.Sections = append(s.Sections, strings.TrimSpace(item.text.String()))
			}
		case "central":
			decodeCentral(child, &s.Central)
		case "tenant_data":
			for _, tenant := range child.children {
				bag := make(TenantBag)
				for _, section := range tenant.children {
					bag[section.mapKey()] = section.rows()
				}
				s.TenantData[tenant.mapKey()] = bag
			}
		}
	}
	return s, nil
}

func decodeCentral(n *xmlNode, c *Central) {
	for _, child := range n.children {
		switch child.mapKey() {
		case schema.SectionTenants:
			c.Tenants = child.rows()
		case schema.SectionUsers:
			c.Users = child.rows()
		case schema.SectionUserPreferences:
			c.UserPreferences = child.rows()
		case schema.SectionTenantUser:
			c.TenantUser = child.rows()
		case schema.SectionSiteSettings:
			rec := child.record()
			c.SiteSettings = &rec
		}
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
