package fifo

import "testing"

func TestPutGetOrderFIFO(t *testing.T) {
	f := New[int]()
	f.Put(1)
	f.Put(2)
	f.Put(3)
	for _, want := range []int{1, 2, 3} {
		got, ok := f.Get()
		if !ok || got != want {
			t.Fatalf("Get() = (%d, %v), want (%d, true)", got, ok, want)
		}
	}
	if !f.Empty() {
		t.Fatal("expected empty after draining")
	}
}

func TestGetOnEmptyReturnsFalse(t *testing.T) {
	f := New[string]()
	if _, ok := f.Get(); ok {
		t.Fatal("expected ok=false on empty FIFO")
	}
}

func TestPeekDoesNotRemove(t *testing.T) {
	f := New[int]()
	f.Put(42)
	v, ok := f.Peek()
	if !ok || v != 42 {
		t.Fatalf("Peek() = (%d, %v), want (42, true)", v, ok)
	}
	if f.Len() != 1 {
		t.Fatalf("Len() = %d after Peek, want 1", f.Len())
	}
}

func TestLenTracksPutAndGet(t *testing.T) {
	f := New[int]()
	if f.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", f.Len())
	}
	f.Put(1)
	f.Put(2)
	if f.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", f.Len())
	}
	f.Get()
	if f.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", f.Len())
	}
}

func TestVisitStopsEarlyOnFalse(t *testing.T) {
	f := New[int]()
	f.Put(1)
	f.Put(2)
	f.Put(3)
	var seen []int
	f.Visit(func(v int) bool {
		seen = append(seen, v)
		return v != 2
	})
	want := []int{1, 2}
	if len(seen) != len(want) {
		t.Fatalf("seen %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("seen[%d] = %d, want %d", i, seen[i], want[i])
		}
	}
}

func TestFilterRemovesNonMatching(t *testing.T) {
	f := New[int]()
	for _, v := range []int{1, 2, 3, 4, 5} {
		f.Put(v)
	}
	f.Filter(func(v int) bool { return v%2 == 0 })
	var got []int
	f.Visit(func(v int) bool {
		got = append(got, v)
		return true
	})
	want := []int{2, 4}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %d, want %d", i, got[i], want[i])
		}
	}
	if f.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", f.Len())
	}
}

func TestFilterToEmptyResetsEntryExit(t *testing.T) {
	f := New[int]()
	f.Put(1)
	f.Put(2)
	f.Filter(func(int) bool { return false })
	if !f.Empty() {
		t.Fatal("expected empty FIFO after filtering everything out")
	}
	// Put must still work correctly after the FIFO was drained by Filter.
	f.Put(9)
	v, ok := f.Get()
	if !ok || v != 9 {
		t.Fatalf("Get() after refill = (%d, %v), want (9, true)", v, ok)
	}
}
