package natsout

import (
	"context"
	"testing"

	"github.com/nats-io/nats.go"

	"github.com/nmslite/nmstrans/internal/model"
	"github.com/nmslite/nmstrans/internal/output"
)

func TestSubject(t *testing.T) {
	server := &model.Server{Host: "10.0.0.5", Port: 161}
	tests := []struct {
		name string
		r    model.Result
		want string
	}{
		{"alias", model.Result{KeyAlias: "if stats", ClassName: "1.3.6"}, "nmstrans.10_0_0_5.if_stats"},
		{"class name fallback", model.Result{ClassName: "Win32_OperatingSystem"}, "nmstrans.10_0_0_5.Win32_OperatingSystem"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Subject(DefaultPrefix, server, tt.r); got != tt.want {
				t.Errorf("Subject() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNew_Defaults(t *testing.T) {
	w, err := New(output.Spec{Name: "bus", Type: Type})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	nw := w.(*Writer)
	if nw.settings.URL != nats.DefaultURL || nw.settings.SubjectPrefix != DefaultPrefix {
		t.Errorf("defaults not applied: %+v", nw.settings)
	}

	if err := w.Write(context.Background(), &model.Server{}, &model.Query{}, nil); err == nil {
		t.Error("Write before Start should fail")
	}
	if err := w.Stop(context.Background()); err != nil {
		t.Errorf("Stop before Start: %v", err)
	}
}
