package codec

import (
	"bytes"
	"encoding/hex"
	"strconv"
	"strings"
)

// Header is a single name/value pair. A nil Value marks a bare flag
// (encoded as just the name); an empty non-nil Value encodes as "name=".
type Header struct {
	Name  string
	Value []byte
}

// HeaderSet is a message type plus an ordered list of headers. Lookups
// are case-insensitive and the last header with a matching name wins.
type HeaderSet struct {
	Type    string
	headers []Header
}

func NewHeaderSet(msgType string) *HeaderSet {
	return &HeaderSet{Type: msgType}
}

// Clone returns a deep copy of h.
func (h *HeaderSet) Clone() *HeaderSet {
	c := NewHeaderSet(h.Type)
	h.CopyInto(c)
	return c
}

func (h *HeaderSet) Len() int {
	return len(h.headers)
}

// Headers returns the headers in insertion order.
func (h *HeaderSet) Headers() []Header {
	return h.headers
}

func (h *HeaderSet) add(name string, value []byte) {
	h.headers = append(h.headers, Header{Name: name, Value: value})
}

// Add appends a string header.
func (h *HeaderSet) Add(name, value string) {
	h.add(name, []byte(value))
}

// AddFlag appends a header with no value.
func (h *HeaderSet) AddFlag(name string) {
	h.add(name, nil)
}

func (h *HeaderSet) AddInt(name string, value int) {
	h.Add(name, strconv.Itoa(value))
}

func (h *HeaderSet) AddInt64(name string, value int64) {
	h.Add(name, strconv.FormatInt(value, 10))
}

func (h *HeaderSet) AddBool(name string, value bool) {
	if value {
		h.Add(name, "1")
	} else {
		h.Add(name, "0")
	}
}

// AddBytes appends value hex encoded.
func (h *HeaderSet) AddBytes(name string, value []byte) {
	h.Add(name, hex.EncodeToString(value))
}

// AddStrings appends values joined by commas. Embedded commas and
// backslashes are escaped with a backslash.
func (h *HeaderSet) AddStrings(name string, values []string) {
	var sb strings.Builder
	for i, v := range values {
		if i > 0 {
			sb.WriteByte(',')
		}
		for j := 0; j < len(v); j++ {
			if v[j] == ',' || v[j] == '\\' {
				sb.WriteByte('\\')
			}
			sb.WriteByte(v[j])
		}
	}
	h.Add(name, sb.String())
}

// AddHeaders flattens sub into h, prefixing each name with "name.".
func (h *HeaderSet) AddHeaders(name string, sub *HeaderSet) {
	if sub == nil {
		return
	}
	for _, hdr := range sub.headers {
		h.add(name+"."+hdr.Name, hdr.Value)
	}
}

// Remove deletes every header with the given name.
func (h *HeaderSet) Remove(name string) {
	kept := h.headers[:0]
	for _, hdr := range h.headers {
		if !strings.EqualFold(hdr.Name, name) {
			kept = append(kept, hdr)
		}
	}
	for i := len(kept); i < len(h.headers); i++ {
		h.headers[i] = Header{}
	}
	h.headers = kept
}

// CopyInto appends every header of h to dst.
func (h *HeaderSet) CopyInto(dst *HeaderSet) {
	for _, hdr := range h.headers {
		var v []byte
		if hdr.Value != nil {
			v = append([]byte{}, hdr.Value...)
		}
		dst.add(hdr.Name, v)
	}
}

// Subset returns the headers whose names start with "prefix.", with the
// prefix removed. The message type is carried over.
func (h *HeaderSet) Subset(prefix string) *HeaderSet {
	prefix += "."
	sub := NewHeaderSet(h.Type)
	for _, hdr := range h.headers {
		if len(hdr.Name) >= len(prefix) && strings.EqualFold(hdr.Name[:len(prefix)], prefix) {
			sub.add(hdr.Name[len(prefix):], hdr.Value)
		}
	}
	return sub
}

func (h *HeaderSet) lookup(name string) (Header, bool) {
	for i := len(h.headers) - 1; i >= 0; i-- {
		if strings.EqualFold(h.headers[i].Name, name) {
			return h.headers[i], true
		}
	}
	return Header{}, false
}

// Has reports whether a header with the given name exists.
func (h *HeaderSet) Has(name string) bool {
	_, ok := h.lookup(name)
	return ok
}

// Get returns the value of the last header named name. ok is false when
// no such header exists or when it is a bare flag.
func (h *HeaderSet) Get(name string) (value string, ok bool) {
	hdr, found := h.lookup(name)
	if !found || hdr.Value == nil {
		return "", false
	}
	return string(hdr.Value), true
}

func (h *HeaderSet) GetString(name, def string) string {
	if v, ok := h.Get(name); ok {
		return v
	}
	return def
}

func (h *HeaderSet) GetInt(name string, def int) int {
	v, ok := h.Get(name)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return n
}

func (h *HeaderSet) GetInt64(name string, def int64) int64 {
	v, ok := h.Get(name)
	if !ok {
		return def
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return def
	}
	return n
}

// GetBool accepts 1/true/yes and 0/false/no.
func (h *HeaderSet) GetBool(name string, def bool) bool {
	v, ok := h.Get(name)
	if !ok {
		return def
	}
	if b, ok := parseBool(v); ok {
		return b
	}
	return def
}

func parseBool(v string) (bool, bool) {
	switch strings.ToLower(v) {
	case "1", "true", "yes":
		return true, true
	case "0", "false", "no":
		return false, true
	}
	return false, false
}

// GetBytes returns the hex decoded value, or nil when the header is
// missing or not valid hex.
func (h *HeaderSet) GetBytes(name string) []byte {
	v, ok := h.Get(name)
	if !ok {
		return nil
	}
	b, err := hex.DecodeString(v)
	if err != nil {
		return nil
	}
	return b
}

// GetStrings splits a comma joined value written by AddStrings.
func (h *HeaderSet) GetStrings(name string) []string {
	v, ok := h.Get(name)
	if !ok {
		return nil
	}
	return splitStrings(v)
}

func splitStrings(v string) []string {
	var (
		out []string
		cur strings.Builder
	)
	for i := 0; i < len(v); i++ {
		switch v[i] {
		case '\\':
			if i+1 < len(v) {
				i++
				cur.WriteByte(v[i])
			}
		case ',':
			out = append(out, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(v[i])
		}
	}
	return append(out, cur.String())
}

// AppendLine appends the encoded form of h, including the trailing
// newline, to dst.
func (h *HeaderSet) AppendLine(dst []byte) []byte {
	dst = appendEscaped(dst, []byte(h.Type))
	dst = append(dst, ':')
	for i, hdr := range h.headers {
		if i > 0 {
			dst = append(dst, '&')
		}
		dst = appendEscaped(dst, []byte(hdr.Name))
		if hdr.Value != nil {
			dst = append(dst, '=')
			dst = appendEscaped(dst, hdr.Value)
		}
	}
	return append(dst, '\n')
}

// Bytes returns the encoded line.
func (h *HeaderSet) Bytes() []byte {
	return h.AppendLine(nil)
}

func (h *HeaderSet) String() string {
	return strings.TrimSuffix(string(h.AppendLine(nil)), "\n")
}

// Parse decodes a single line. It never fails: malformed input yields
// whatever headers could be recovered. An empty line has no headers.
func Parse(line []byte) *HeaderSet {
	line = bytes.TrimSuffix(line, []byte{'\n'})
	h := &HeaderSet{}
	if len(line) == 0 {
		return h
	}
	colon := bytes.IndexByte(line, ':')
	if colon < 0 {
		h.Type = string(unescape(line))
		return h
	}
	h.Type = string(unescape(line[:colon]))
	rest := line[colon+1:]
	for len(rest) > 0 {
		var seg []byte
		if amp := bytes.IndexByte(rest, '&'); amp >= 0 {
			seg, rest = rest[:amp], rest[amp+1:]
		} else {
			seg, rest = rest, nil
		}
		if len(seg) == 0 {
			continue
		}
		if eq := bytes.IndexByte(seg, '='); eq >= 0 {
			h.add(string(unescape(seg[:eq])), unescape(seg[eq+1:]))
		} else {
			h.add(string(unescape(seg)), nil)
		}
	}
	return h
}
