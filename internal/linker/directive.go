// Package linker renders the directives that tell the invoking build tool what
// to link and where to look for it.
package linker

import (
	"fmt"
	"io"
	"strings"
	"sync"
)

// Directive keys understood by cargo build scripts.
const (
	KeyLinkLib    = "rustc-link-lib"
	KeyLinkSearch = "rustc-link-search"
)

// Directive is a single key=value instruction.
type Directive struct {
	Key   string
	Value string
}

// LinkLib declares a library to link against.
func LinkLib(name string) Directive {
	return Directive{Key: KeyLinkLib, Value: name}
}

// LinkSearch declares a library search directory.
func LinkSearch(dir string) Directive {
	return Directive{Key: KeyLinkSearch, Value: dir}
}

// Emitter writes directives as "<prefix>:<key>=<value>" lines.
type Emitter struct {
	w      io.Writer
	prefix string

	mu      sync.Mutex
	emitted []Directive
}

// NewEmitter creates an emitter writing to w.
func NewEmitter(w io.Writer, prefix string) *Emitter {
	return &Emitter{
		w:      w,
		prefix: prefix,
	}
}

// Emit writes the directives in order and stops at the first write failure.
func (e *Emitter) Emit(directives ...Directive) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, d := range directives {
		if strings.ContainsAny(d.Value, "\r\n") {
			return fmt.Errorf("directive %s: value contains a line break", d.Key)
		}

		if _, err := fmt.Fprintf(e.w, "%s:%s=%s\n", e.prefix, d.Key, d.Value); err != nil {
			return fmt.Errorf("emit %s: %w", d.Key, err)
		}

		e.emitted = append(e.emitted, d)
	}

	return nil
}

// Emitted returns a copy of everything written so far.
func (e *Emitter) Emitted() []Directive {
	e.mu.Lock()
	defer e.mu.Unlock()

	return append([]Directive(nil), e.emitted...)
}
