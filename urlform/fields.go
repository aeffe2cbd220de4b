package urlform

import (
	"iter"
	"net/url"
)

// Field is one decoded name/value pair.
type Field struct {
	Name  string
	Value string
}

// Fields is an ordered multimap of decoded fields. It is immutable and safe
// for concurrent reads.
type Fields struct {
	fields  []Field
	index   map[string][]int
	names   []string
	charset string
}

func newFields(fields []Field, charset string) *Fields {
	f := &Fields{
		fields:  fields,
		index:   make(map[string][]int, len(fields)),
		charset: charset,
	}
	for i, field := range fields {
		if _, ok := f.index[field.Name]; !ok {
			f.names = append(f.names, field.Name)
		}
		f.index[field.Name] = append(f.index[field.Name], i)
	}
	return f
}

func (f *Fields) Len() int {
	return len(f.fields)
}

// Charset is the canonical name of the charset the body was decoded with.
func (f *Fields) Charset() string {
	return f.charset
}

// Field returns the i-th field in body order.
func (f *Fields) Field(i int) Field {
	return f.fields[i]
}

// Get returns the first value of name, or "" if there is none.
func (f *Fields) Get(name string) string {
	v, _ := f.Lookup(name)
	return v
}

func (f *Fields) Lookup(name string) (string, bool) {
	idx, ok := f.index[name]
	if !ok {
		return "", false
	}
	return f.fields[idx[0]].Value, true
}

// Values returns all values of name in body order.
func (f *Fields) Values(name string) []string {
	idx := f.index[name]
	if len(idx) == 0 {
		return nil
	}
	values := make([]string, len(idx))
	for i, j := range idx {
		values[i] = f.fields[j].Value
	}
	return values
}

// Names returns the distinct field names in order of first appearance.
func (f *Fields) Names() []string {
	return append([]string(nil), f.names...)
}

// Fields returns a copy of all fields.
func (f *Fields) Fields() []Field {
	return append([]Field(nil), f.fields...)
}

func (f *Fields) Seq() iter.Seq2[string, string] {
	return func(yield func(string, string) bool) {
		for _, field := range f.fields {
			if !yield(field.Name, field.Value) {
				return
			}
		}
	}
}

// URLValues converts the fields to url.Values.
func (f *Fields) URLValues() url.Values {
	values := make(url.Values, len(f.names))
	for _, field := range f.fields {
		values[field.Name] = append(values[field.Name], field.Value)
	}
	return values
}
