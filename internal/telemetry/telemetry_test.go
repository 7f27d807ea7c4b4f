package telemetry

import (
	"context"
	"testing"

	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

func TestSetup_RequiresEndpoint(t *testing.T) {
	shutdown, err := Setup(context.Background(), Config{})
	if err == nil {
		t.Fatal("expected error without endpoint")
	}
	if shutdown == nil {
		t.Fatal("shutdown must never be nil")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("noop shutdown: %v", err)
	}
}

func TestNewResource_ServiceName(t *testing.T) {
	cases := []struct {
		cfg  Config
		want string
	}{
		{Config{}, DefaultServiceName},
		{Config{ServiceName: "adapsync-staging"}, "adapsync-staging"},
	}
	for _, tc := range cases {
		res, err := newResource(tc.cfg)
		if err != nil {
			t.Fatalf("newResource: %v", err)
		}
		v, ok := res.Set().Value(semconv.ServiceNameKey)
		if !ok || v.AsString() != tc.want {
			t.Errorf("service.name = %q, want %q", v.AsString(), tc.want)
		}
	}
}

func TestNewResource_Version(t *testing.T) {
	res, err := newResource(Config{ServiceVersion: "1.2.3"})
	if err != nil {
		t.Fatalf("newResource: %v", err)
	}
	v, ok := res.Set().Value(semconv.ServiceVersionKey)
	if !ok || v.AsString() != "1.2.3" {
		t.Errorf("service.version = %q", v.AsString())
	}
}
