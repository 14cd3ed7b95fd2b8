// Package model holds the data shared by the scheduler, the worker pools
// and the output writers: monitored servers, their queries and the results
// collected for them.
package model

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"
)

// OutputWriter is the capability set every sink implements. It lives here so
// queries can hold their writers; the output package re-exports it.
type OutputWriter interface {
	// Start acquires the writer's resources. It is idempotent.
	Start(ctx context.Context) error

	// ValidateSetup checks, without touching the sink, that the writer can
	// serve the given server and query.
	ValidateSetup(server *Server, query *Query) error

	// Write delivers one result batch.
	Write(ctx context.Context, server *Server, query *Query, results []Result) error

	// Stop releases the writer's resources. It is idempotent.
	Stop(ctx context.Context) error
}

// Server is one monitored target with its queries and scheduling parameters.
// A Server is immutable once built and is shared by every job run for it.
type Server struct {
	Host  string
	Port  int
	Alias string

	// Cron, when set, schedules the server with a cron trigger.
	Cron string

	// RunPeriod overrides the global run period for periodic triggers.
	RunPeriod time.Duration

	// Protocol selects the attribute reader (snmp, winrm, ...).
	Protocol string

	// Reader credentials. They are passed to the reader as-is.
	Community string
	Username  string
	Password  string
	UseHTTPS  bool

	Queries []*Query
}

// Address returns host:port.
func (s *Server) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// Source returns the name sinks should use for this server: the alias when
// one is configured, the host otherwise.
func (s *Server) Source() string {
	if s.Alias != "" {
		return s.Alias
	}
	return s.Host
}

func (s *Server) String() string {
	if s.Alias != "" {
		return fmt.Sprintf("%s (%s)", s.Address(), s.Alias)
	}
	return s.Address()
}

// Query names the attributes to read from an object on a server and the
// writers that receive the results.
type Query struct {
	ObjectName  string
	Attributes  []string
	ResultAlias string

	// TypeNames lists the type-name keys sinks use when building metric names.
	TypeNames []string

	// Writers are invoked in this order for every result batch.
	Writers []OutputWriter
}

func (q *Query) String() string {
	return fmt.Sprintf("%s%v", q.ObjectName, q.Attributes)
}
