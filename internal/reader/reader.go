// Package reader defines how attribute values are collected from a server.
// Concrete readers live in subpackages; Mux picks one per server protocol.
package reader

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/nmslite/nmstrans/internal/model"
)

// ErrUnknownProtocol is returned by Mux for a protocol with no reader.
var ErrUnknownProtocol = errors.New("no reader for protocol")

// Reader collects the results of one query on one server.
type Reader interface {
	Read(ctx context.Context, server *model.Server, query *model.Query) ([]model.Result, error)
}

// Func adapts a function to Reader.
type Func func(ctx context.Context, server *model.Server, query *model.Query) ([]model.Result, error)

func (f Func) Read(ctx context.Context, server *model.Server, query *model.Query) ([]model.Result, error) {
	return f(ctx, server, query)
}

// Mux dispatches to a reader by server protocol. It is not safe to call
// Handle concurrently with Read.
type Mux struct {
	readers map[string]Reader
}

func NewMux() *Mux {
	return &Mux{readers: make(map[string]Reader)}
}

// Handle registers r for protocol (case-insensitive).
func (m *Mux) Handle(protocol string, r Reader) {
	m.readers[strings.ToLower(protocol)] = r
}

// Supports reports whether a reader is registered for protocol.
func (m *Mux) Supports(protocol string) bool {
	_, ok := m.readers[strings.ToLower(protocol)]
	return ok
}

// Protocols lists the registered protocols.
func (m *Mux) Protocols() []string {
	out := make([]string, 0, len(m.readers))
	for p := range m.readers {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (m *Mux) Read(ctx context.Context, server *model.Server, query *model.Query) ([]model.Result, error) {
	r, ok := m.readers[strings.ToLower(server.Protocol)]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownProtocol, server.Protocol)
	}
	return r.Read(ctx, server, query)
}

// KeyAlias returns the alias results of query are reported under.
func KeyAlias(query *model.Query) string {
	if query.ResultAlias != "" {
		return query.ResultAlias
	}
	return query.ObjectName
}
