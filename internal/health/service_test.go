package health

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestReportAllHealthy(t *testing.T) {
	svc := NewService("test")
	svc.Register("postgres", func(ctx context.Context) error { return nil })
	svc.Register("redis", func(ctx context.Context) error { return nil })

	report := svc.Report(context.Background())

	if report.Status != StatusOK {
		t.Errorf("expected ok, got %s", report.Status)
	}
	if report.Version != "test" {
		t.Errorf("expected version test, got %s", report.Version)
	}
	if len(report.Components) != 2 {
		t.Fatalf("expected 2 components, got %d", len(report.Components))
	}
	for _, comp := range report.Components {
		if comp.Status != StatusOK {
			t.Errorf("component %s: expected ok, got %s", comp.Name, comp.Status)
		}
	}
}

func TestReportDegraded(t *testing.T) {
	svc := NewService("test")
	svc.Register("postgres", func(ctx context.Context) error { return nil })
	svc.Register("mongodb", func(ctx context.Context) error {
		return errors.New("connection refused")
	})

	report := svc.Report(context.Background())

	if report.Status != "degraded" {
		t.Errorf("expected degraded, got %s", report.Status)
	}

	var mongo *Component
	for i := range report.Components {
		if report.Components[i].Name == "mongodb" {
			mongo = &report.Components[i]
		}
	}
	if mongo == nil {
		t.Fatal("mongodb component missing from report")
	}
	if mongo.Status != StatusDown {
		t.Errorf("expected down, got %s", mongo.Status)
	}
	if mongo.Error != "connection refused" {
		t.Errorf("expected probe error in component, got %q", mongo.Error)
	}
}

func TestReportOffComponent(t *testing.T) {
	svc := NewService("test")
	svc.Register("postgres", func(ctx context.Context) error { return nil })
	svc.RegisterOff("redis")

	report := svc.Report(context.Background())

	// An unconfigured store never degrades the server
	if report.Status != StatusOK {
		t.Errorf("expected ok, got %s", report.Status)
	}

	for _, comp := range report.Components {
		if comp.Name == "redis" && comp.Status != StatusOff {
			t.Errorf("expected off, got %s", comp.Status)
		}
	}
}

func TestReportCachesWithinTTL(t *testing.T) {
	svc := NewService("test")

	calls := 0
	svc.Register("postgres", func(ctx context.Context) error {
		calls++
		return nil
	})

	svc.Report(context.Background())
	svc.Report(context.Background())
	svc.Report(context.Background())

	if calls != 1 {
		t.Errorf("expected 1 probe within cache TTL, got %d", calls)
	}

	// Expire the cache and confirm a fresh probe runs
	svc.mu.Lock()
	svc.at = time.Now().Add(-time.Minute)
	svc.mu.Unlock()

	svc.Report(context.Background())
	if calls != 2 {
		t.Errorf("expected re-probe after TTL, got %d calls", calls)
	}
}

func TestProbeDeadline(t *testing.T) {
	svc := NewService("test")

	var hadDeadline bool
	svc.Register("slow", func(ctx context.Context) error {
		_, hadDeadline = ctx.Deadline()
		return nil
	})

	svc.Report(context.Background())

	if !hadDeadline {
		t.Error("probe context must carry a deadline")
	}
}
