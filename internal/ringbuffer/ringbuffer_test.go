package ringbuffer

import "testing"

func TestBufferNeverExceedsCapacity(t *testing.T) {
	t.Parallel()

	b := New[int](3)
	for i := 0; i < 10; i++ {
		b.Push(i)
		if b.Len() > b.Cap() {
			t.Fatalf("len %d exceeds cap %d", b.Len(), b.Cap())
		}
	}
	if b.Len() != 3 {
		t.Fatalf("len = %d, want 3", b.Len())
	}
}

func TestBufferNewestOrder(t *testing.T) {
	t.Parallel()

	b := New[int](3)
	b.Push(1)
	b.Push(2)
	b.Push(3)
	b.Push(4) // evicts 1

	got := b.Newest(0)
	want := []int{4, 3, 2}
	if len(got) != len(want) {
		t.Fatalf("Newest() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Newest()[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestBufferOldestOrder(t *testing.T) {
	t.Parallel()

	b := New[int](3)
	b.Push(1)
	b.Push(2)
	b.Push(3)
	b.Push(4) // evicts 1

	got := b.Oldest(0)
	want := []int{2, 3, 4}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Oldest()[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestBufferNewestLimit(t *testing.T) {
	t.Parallel()

	b := New[int](5)
	for i := 1; i <= 5; i++ {
		b.Push(i)
	}
	got := b.Newest(2)
	if len(got) != 2 || got[0] != 5 || got[1] != 4 {
		t.Fatalf("Newest(2) = %v, want [5 4]", got)
	}
}
