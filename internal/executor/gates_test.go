package executor

import (
	"testing"
	"time"
)

func TestPriceMemoVolatile(t *testing.T) {
	var m PriceMemo
	t0 := time.Unix(1700000000, 0)
	window := 3 * time.Second

	steps := []struct {
		name  string
		price string
		at    time.Duration
		want  bool
	}{
		{"first sighting", "100", 0, true},
		{"stable inside window", "100", time.Second, true},
		{"stable past window", "100", 3 * time.Second, false},
		{"changed", "101", 4 * time.Second, true},
		{"new price not yet stable", "101", 6 * time.Second, true},
		{"new price stable", "101", 7 * time.Second, false},
	}
	for _, s := range steps {
		if got := m.Volatile(d(s.price), t0.Add(s.at), window); got != s.want {
			t.Fatalf("%s: got %v want %v", s.name, got, s.want)
		}
	}

	m.Reset()
	if !m.Volatile(d("101"), t0.Add(time.Hour), window) {
		t.Fatal("reset memo should treat the price as new")
	}
}

func TestSnapshotGate(t *testing.T) {
	var g SnapshotGate
	steps := []struct {
		spot, future int64
		want         bool
	}{
		{1, 1, true},
		{1, 1, false},
		{2, 1, true},
		{2, 2, true},
		{2, 2, false},
	}
	for i, s := range steps {
		if got := g.Consume(s.spot, s.future); got != s.want {
			t.Fatalf("step %d: got %v want %v", i, got, s.want)
		}
	}
	g.Reset()
	if !g.Consume(2, 2) {
		t.Fatal("reset gate should accept the last pair again")
	}
}
