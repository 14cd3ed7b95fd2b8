package reader

import (
	"context"
	"errors"
	"testing"

	"github.com/nmslite/nmstrans/internal/model"
)

func TestMux_DispatchesByProtocol(t *testing.T) {
	m := NewMux()
	m.Handle("SNMP", Func(func(context.Context, *model.Server, *model.Query) ([]model.Result, error) {
		return []model.Result{{AttributeName: "sysUpTime"}}, nil
	}))

	if !m.Supports("snmp") {
		t.Fatal("Supports(snmp) = false")
	}

	rs, err := m.Read(context.Background(), &model.Server{Protocol: "snmp"}, &model.Query{})
	if err != nil || len(rs) != 1 {
		t.Fatalf("Read = %v, %v", rs, err)
	}

	_, err = m.Read(context.Background(), &model.Server{Protocol: "jmx"}, &model.Query{})
	if !errors.Is(err, ErrUnknownProtocol) {
		t.Fatalf("unknown protocol error = %v", err)
	}
}

func TestKeyAlias(t *testing.T) {
	if got := KeyAlias(&model.Query{ObjectName: "o", ResultAlias: "a"}); got != "a" {
		t.Errorf("KeyAlias = %q, want a", got)
	}
	if got := KeyAlias(&model.Query{ObjectName: "o"}); got != "o" {
		t.Errorf("KeyAlias = %q, want o", got)
	}
}
