package cache

import "testing"

func runPolicySuite(t *testing.T, newPolicy func(highWaterMark int) Policy[string]) {
	t.Helper()

	t.Run("AddWithinBudgetNeverEvicts", func(t *testing.T) {
		p := newPolicy(100)
		evicted := []string{}
		p.Add("a", 30, func(k string) { evicted = append(evicted, k) })
		p.Add("b", 30, func(k string) { evicted = append(evicted, k) })
		if len(evicted) != 0 {
			t.Fatalf("evicted = %v, want none", evicted)
		}
		if p.Len() != 2 {
			t.Fatalf("len = %d, want 2", p.Len())
		}
	})

	t.Run("AddOverBudgetEvictsUntilFits", func(t *testing.T) {
		p := newPolicy(60)
		p.Add("a", 30, func(string) {})
		p.Add("b", 30, func(string) {})
		var evicted []string
		p.Add("c", 20, func(k string) { evicted = append(evicted, k) })
		if len(evicted) == 0 {
			t.Fatal("expected at least one eviction")
		}
		if p.Contains(evicted[0]) {
			t.Fatalf("evicted key %q still tracked", evicted[0])
		}
		if !p.Contains("c") {
			t.Fatal("newly added key should be resident")
		}
	})

	t.Run("RemoveDropsWithoutEviction", func(t *testing.T) {
		p := newPolicy(100)
		p.Add("a", 10, func(string) {})
		p.Remove("a")
		if p.Contains("a") {
			t.Fatal("key still tracked after Remove")
		}
		if p.Len() != 0 {
			t.Fatalf("len = %d, want 0", p.Len())
		}
	})

	t.Run("ReAddReplacesSizeWithoutEviction", func(t *testing.T) {
		p := newPolicy(100)
		var evicted []string
		p.Add("a", 10, func(k string) { evicted = append(evicted, k) })
		p.Add("a", 20, func(k string) { evicted = append(evicted, k) })
		if len(evicted) != 0 {
			t.Fatalf("evicted = %v, want none", evicted)
		}
		if p.Len() != 1 {
			t.Fatalf("len = %d, want 1", p.Len())
		}
	})
}

func TestLRUPolicy(t *testing.T) {
	runPolicySuite(t, func(hwm int) Policy[string] { return NewLRUPolicy[string](hwm) })
}

func TestLFUPolicy(t *testing.T) {
	runPolicySuite(t, func(hwm int) Policy[string] { return NewLFUPolicy[string](hwm) })
}

func TestLRUPolicyEvictsLeastRecentlyTouched(t *testing.T) {
	p := NewLRUPolicy[string](50)
	p.Add("a", 20, func(string) {})
	p.Add("b", 20, func(string) {})
	p.Touch("a") // a is now more recent than b

	var evicted []string
	p.Add("c", 20, func(k string) { evicted = append(evicted, k) })
	if len(evicted) != 1 || evicted[0] != "b" {
		t.Fatalf("evicted = %v, want [b]", evicted)
	}
}

func TestLFUPolicyEvictsLeastUsed(t *testing.T) {
	p := NewLFUPolicy[string](50)
	p.Add("a", 20, func(string) {})
	p.Add("b", 20, func(string) {})
	p.Touch("a")
	p.Touch("a")

	var evicted []string
	p.Add("c", 20, func(k string) { evicted = append(evicted, k) })
	if len(evicted) != 1 || evicted[0] != "b" {
		t.Fatalf("evicted = %v, want [b]", evicted)
	}
}
