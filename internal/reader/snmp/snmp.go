// Package snmp reads attributes over SNMP v2c. A query's object name is a
// base OID; each attribute is an OID suffix fetched with GET. A query with
// no attributes walks the whole subtree.
package snmp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gosnmp/gosnmp"

	"github.com/nmslite/nmstrans/internal/model"
	"github.com/nmslite/nmstrans/internal/reader"
)

const (
	Protocol         = "snmp"
	DefaultPort      = 161
	DefaultCommunity = "public"
	objDomain        = "snmp"
)

// Config holds reader-wide settings.
type Config struct {
	Timeout time.Duration
	Retries int
	Logger  *slog.Logger
}

// Reader is an SNMP v2c attribute reader. It opens one session per Read.
type Reader struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

func New(cfg Config) *Reader {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader{cfg: cfg, logger: logger.With("component", "snmp_reader"), now: time.Now}
}

func (r *Reader) Read(ctx context.Context, server *model.Server, query *model.Query) ([]model.Result, error) {
	port := server.Port
	if port == 0 {
		port = DefaultPort
	}
	community := server.Community
	if community == "" {
		community = DefaultCommunity
	}

	g := &gosnmp.GoSNMP{
		Target:    server.Host,
		Port:      uint16(port),
		Version:   gosnmp.Version2c,
		Community: community,
		Timeout:   r.cfg.Timeout,
		Retries:   r.cfg.Retries,
		Context:   ctx,
		MaxOids:   gosnmp.MaxOids,
	}
	if err := g.Connect(); err != nil {
		return nil, fmt.Errorf("snmp connect %s: %w", server.Address(), err)
	}
	defer g.Conn.Close()

	base := normalizeOID(query.ObjectName)
	epoch := r.now().UnixMilli()

	var pdus []gosnmp.SnmpPDU
	if len(query.Attributes) == 0 {
		err := g.BulkWalk(base, func(pdu gosnmp.SnmpPDU) error {
			pdus = append(pdus, pdu)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("snmp walk %s on %s: %w", base, server.Address(), err)
		}
	} else {
		oids := make([]string, len(query.Attributes))
		for i, attr := range query.Attributes {
			oids[i] = base + "." + strings.Trim(attr, ".")
		}
		for start := 0; start < len(oids); start += g.MaxOids {
			end := min(start+g.MaxOids, len(oids))
			pkt, err := g.Get(oids[start:end])
			if err != nil {
				return nil, fmt.Errorf("snmp get on %s: %w", server.Address(), err)
			}
			if pkt.Error != gosnmp.NoError {
				return nil, fmt.Errorf("snmp get on %s: %v at index %d", server.Address(), pkt.Error, pkt.ErrorIndex)
			}
			pdus = append(pdus, pkt.Variables...)
		}
	}

	return r.toResults(query, base, pdus, epoch), nil
}

func (r *Reader) toResults(query *model.Query, base string, pdus []gosnmp.SnmpPDU, epoch int64) []model.Result {
	alias := reader.KeyAlias(query)
	results := make([]model.Result, 0, len(pdus))
	for _, pdu := range pdus {
		val, ok := pduValue(pdu)
		if !ok {
			r.logger.Debug("skipping empty varbind", "oid", pdu.Name, "type", pdu.Type.String())
			continue
		}
		oid := normalizeOID(pdu.Name)
		results = append(results, model.Result{
			ObjDomain:     objDomain,
			ClassName:     query.ObjectName,
			TypeName:      "oid=" + oid,
			AttributeName: strings.TrimPrefix(strings.TrimPrefix(oid, base), "."),
			Values:        map[string]any{"value": val},
			Epoch:         epoch,
			KeyAlias:      alias,
		})
	}
	return results
}

// pduValue converts a varbind to a plain Go value. ok is false for
// varbinds that carry no value.
func pduValue(pdu gosnmp.SnmpPDU) (any, bool) {
	switch pdu.Type {
	case gosnmp.Null, gosnmp.NoSuchObject, gosnmp.NoSuchInstance, gosnmp.EndOfMibView:
		return nil, false
	case gosnmp.OctetString:
		if b, ok := pdu.Value.([]byte); ok {
			return string(b), true
		}
		return fmt.Sprint(pdu.Value), true
	case gosnmp.ObjectIdentifier, gosnmp.IPAddress:
		return fmt.Sprint(pdu.Value), true
	case gosnmp.Integer, gosnmp.Counter32, gosnmp.Gauge32, gosnmp.TimeTicks, gosnmp.Counter64, gosnmp.Uinteger32:
		return gosnmp.ToBigInt(pdu.Value).Int64(), true
	case gosnmp.OpaqueFloat:
		if f, ok := pdu.Value.(float32); ok {
			return float64(f), true
		}
	case gosnmp.OpaqueDouble:
		if f, ok := pdu.Value.(float64); ok {
			return f, true
		}
	}
	if pdu.Value == nil {
		return nil, false
	}
	return pdu.Value, true
}

func normalizeOID(oid string) string {
	return strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(oid), "."), ".")
}
