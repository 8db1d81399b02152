package store

import (
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Front is an order-preserving frontmatter header. Unknown keys survive a
// parse/render round trip unchanged.
type Front struct {
	order []string
	m     map[string]any
}

func NewFront() *Front {
	return &Front{m: map[string]any{}}
}

func (f *Front) Has(key string) bool {
	_, ok := f.m[key]
	return ok
}

func (f *Front) Get(key string) (any, bool) {
	v, ok := f.m[key]
	return v, ok
}

func (f *Front) Set(key string, v any) {
	if _, ok := f.m[key]; !ok {
		f.order = append(f.order, key)
	}
	f.m[key] = v
}

// SetDefault sets key only when absent and reports whether it did.
func (f *Front) SetDefault(key string, v any) bool {
	if _, ok := f.m[key]; ok {
		return false
	}
	f.Set(key, v)
	return true
}

func (f *Front) Delete(key string) {
	if _, ok := f.m[key]; !ok {
		return
	}
	delete(f.m, key)
	for i, k := range f.order {
		if k == key {
			f.order = append(f.order[:i], f.order[i+1:]...)
			break
		}
	}
}

func (f *Front) Keys() []string {
	out := make([]string, len(f.order))
	copy(out, f.order)
	return out
}

// Str returns the value as a trimmed string; non-strings are stringified.
func (f *Front) Str(key string) string {
	v, ok := f.m[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

func (f *Front) Int(key string) int {
	v, ok := f.m[key]
	if !ok {
		return 0
	}
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return 0
		}
		return n
	default:
		return 0
	}
}

func (f *Front) Float(key string) (float64, bool) {
	v, ok := f.m[key]
	if !ok {
		return 0, false
	}
	return toFloat(v)
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		return n, true
	default:
		return 0, false
	}
}

func (f *Front) Bool(key string) bool {
	v, ok := f.m[key]
	if !ok {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		s := strings.ToLower(strings.TrimSpace(t))
		return s == "true" || s == "yes" || s == "1"
	case int:
		return t != 0
	default:
		return false
	}
}

// StrList normalizes a header value into a string slice: nil becomes empty,
// list items are trimmed with empties and literal "[]"/"{}" dropped, and a
// bare string splits on commas.
func (f *Front) StrList(key string) []string {
	v, ok := f.m[key]
	if !ok || v == nil {
		return []string{}
	}
	out := []string{}
	appendItem := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" || s == "[]" || s == "{}" {
			return
		}
		out = append(out, s)
	}
	switch t := v.(type) {
	case []any:
		for _, item := range t {
			if item == nil {
				continue
			}
			appendItem(fmt.Sprint(item))
		}
	case []string:
		for _, item := range t {
			appendItem(item)
		}
	case string:
		for _, part := range strings.Split(t, ",") {
			appendItem(part)
		}
	default:
		appendItem(fmt.Sprint(t))
	}
	return out
}

// ParseDoc splits raw file content into frontmatter and body. Content without
// a leading delimiter is all body.
func ParseDoc(data []byte) (*Front, string, error) {
	lines := strings.Split(string(data), "\n")
	if len(lines) == 0 || strings.TrimRight(lines[0], "\r") != "---" {
		return NewFront(), string(data), nil
	}
	end := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimRight(lines[i], "\r") == "---" {
			end = i
			break
		}
	}
	if end < 0 {
		return NewFront(), string(data), nil
	}
	head := strings.Join(lines[1:end], "\n")
	body := strings.Join(lines[end+1:], "\n")

	front := NewFront()
	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(head), &doc); err != nil {
		return nil, "", fmt.Errorf("parse frontmatter: %w", err)
	}
	if len(doc.Content) > 0 && doc.Content[0].Kind == yaml.MappingNode {
		mapping := doc.Content[0]
		for i := 0; i+1 < len(mapping.Content); i += 2 {
			key := mapping.Content[i].Value
			var v any
			if err := mapping.Content[i+1].Decode(&v); err != nil {
				return nil, "", fmt.Errorf("decode frontmatter key %s: %w", key, err)
			}
			front.Set(key, v)
		}
	}
	return front, body, nil
}

// RenderDoc serializes frontmatter and body back into file content.
func RenderDoc(front *Front, body string) ([]byte, error) {
	var b strings.Builder
	b.WriteString("---\n")
	if front != nil && len(front.order) > 0 {
		mapping := &yaml.Node{Kind: yaml.MappingNode}
		for _, key := range front.order {
			keyNode := &yaml.Node{Kind: yaml.ScalarNode, Value: key}
			valNode := &yaml.Node{}
			if err := valNode.Encode(front.m[key]); err != nil {
				return nil, fmt.Errorf("encode frontmatter key %s: %w", key, err)
			}
			mapping.Content = append(mapping.Content, keyNode, valNode)
		}
		out, err := yaml.Marshal(mapping)
		if err != nil {
			return nil, fmt.Errorf("marshal frontmatter: %w", err)
		}
		b.Write(out)
	}
	b.WriteString("---\n")
	b.WriteString(body)
	return []byte(b.String()), nil
}
