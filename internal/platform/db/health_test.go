package db

import (
	"context"
	"errors"
	"testing"
)

func TestRunChecks_AllUp(t *testing.T) {
	ok := func(context.Context) error { return nil }
	results, healthy := runChecks(context.Background(), map[string]Check{"redis": ok, "postgres": ok})

	if !healthy {
		t.Error("expected healthy")
	}
	if len(results) != 2 || results[0].Name != "postgres" || results[1].Name != "redis" {
		t.Errorf("expected results sorted by name, got %+v", results)
	}
	for _, r := range results {
		if r.Status != "up" || r.Error != "" {
			t.Errorf("unexpected result %+v", r)
		}
	}
}

func TestRunChecks_OneDown(t *testing.T) {
	results, healthy := runChecks(context.Background(), map[string]Check{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("connection refused") },
	})

	if healthy {
		t.Error("expected unhealthy when a check fails")
	}
	if results[1].Status != "down" || results[1].Error != "connection refused" {
		t.Errorf("unexpected redis result %+v", results[1])
	}
	if results[0].Status != "up" {
		t.Errorf("expected postgres up, got %+v", results[0])
	}
}
