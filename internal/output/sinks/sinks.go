// Package sinks registers every built-in writer type with the output
// package. Import it for its side effects.
package sinks

import (
	_ "github.com/nmslite/nmstrans/internal/output/beats"
	_ "github.com/nmslite/nmstrans/internal/output/graphite"
	_ "github.com/nmslite/nmstrans/internal/output/influxdb"
	_ "github.com/nmslite/nmstrans/internal/output/logwriter"
	_ "github.com/nmslite/nmstrans/internal/output/natsout"
	_ "github.com/nmslite/nmstrans/internal/output/postgres"
	_ "github.com/nmslite/nmstrans/internal/output/redisout"
	_ "github.com/nmslite/nmstrans/internal/output/statsd"
)
