package device

import (
	"regexp"
	"testing"
)

var deviceIDPattern = regexp.MustCompile(`^[0-9a-f]{32}$`)

func TestNextProducesPlausibleIdentity(t *testing.T) {
	t.Parallel()

	gen := NewSeeded(1)
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		id, err := gen.Next()
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		if id.Model == "" || id.Version == "" {
			t.Fatalf("empty model or version: %+v", id)
		}
		if !deviceIDPattern.MatchString(id.ID) {
			t.Fatalf("device id %q is not 32 hex chars", id.ID)
		}
		if seen[id.ID] {
			t.Fatalf("duplicate device id %q", id.ID)
		}
		seen[id.ID] = true
	}
}

func TestSeededModelChoiceIsDeterministic(t *testing.T) {
	t.Parallel()

	a, err := NewSeeded(7).Next()
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	b, err := NewSeeded(7).Next()
	if err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if a.Model != b.Model || a.Version != b.Version {
		t.Fatalf("same seed gave %v/%v vs %v/%v", a.Model, a.Version, b.Model, b.Version)
	}
}
