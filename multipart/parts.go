package multipart

import (
	"errors"
	"iter"
	"sync"
)

// Parts is the result of a successful parse: every part in body order. Parts
// owns its parts and Close releases all of them.
type Parts struct {
	parts   []*Part
	index   map[string][]int
	charset string

	closeOnce sync.Once
	closeErr  error
}

func newParts(parts []*Part, charset string) *Parts {
	p := &Parts{
		parts:   parts,
		index:   make(map[string][]int, len(parts)),
		charset: charset,
	}
	for i, part := range parts {
		p.index[part.name] = append(p.index[part.name], i)
		if charset != "" {
			part.setDefaultCharset(charset)
		}
	}
	return p
}

func (p *Parts) Len() int {
	return len(p.parts)
}

// Get returns the i-th part.
func (p *Parts) Get(i int) *Part {
	return p.parts[i]
}

// First returns the first part named name, or nil.
func (p *Parts) First(name string) *Part {
	idx := p.index[name]
	if len(idx) == 0 {
		return nil
	}
	return p.parts[idx[0]]
}

// All returns every part named name in body order.
func (p *Parts) All(name string) []*Part {
	idx := p.index[name]
	if len(idx) == 0 {
		return nil
	}
	parts := make([]*Part, len(idx))
	for i, j := range idx {
		parts[i] = p.parts[j]
	}
	return parts
}

// Charset is the value of the _charset_ part, empty if the form had none.
func (p *Parts) Charset() string {
	return p.charset
}

func (p *Parts) Seq() iter.Seq2[int, *Part] {
	return func(yield func(int, *Part) bool) {
		for i, part := range p.parts {
			if !yield(i, part) {
				return
			}
		}
	}
}

// Close releases every part. Calling Close more than once is a no-op.
func (p *Parts) Close() error {
	p.closeOnce.Do(func() {
		var errs []error
		for _, part := range p.parts {
			if err := part.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		p.closeErr = errors.Join(errs...)
	})
	return p.closeErr
}
