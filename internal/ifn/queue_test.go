package ifn

import "testing"

func TestQueuePushPopFIFO(t *testing.T) {
	q := newOutboundQueue()
	q.Push([]byte("a"))
	q.Push([]byte("b"))
	q.Push([]byte("c"))

	for _, want := range []string{"a", "b", "c"} {
		got, ok := q.Pop()
		if !ok || string(got) != want {
			t.Fatalf("expected %q, got %q (ok=%v)", want, got, ok)
		}
	}
	if _, ok := q.Pop(); ok {
		t.Fatal("expected empty queue after draining all pushes")
	}
}

func TestQueueDropsOldestOnOverflow(t *testing.T) {
	q := newOutboundQueue()
	for i := 0; i < outboundQueueCap+5; i++ {
		q.Push([]byte{byte(i)})
	}
	if q.Len() != outboundQueueCap {
		t.Fatalf("expected queue capped at %d, got %d", outboundQueueCap, q.Len())
	}
	first, _ := q.Pop()
	if first[0] != 5 {
		t.Fatalf("expected the 5 oldest pushes to have been dropped, oldest surviving is %d", first[0])
	}
}

func TestQueueDrainReturnsFIFOOrderAndEmpties(t *testing.T) {
	q := newOutboundQueue()
	q.Push([]byte("x"))
	q.Push([]byte("y"))
	all := q.Drain()
	if len(all) != 2 || string(all[0]) != "x" || string(all[1]) != "y" {
		t.Fatalf("unexpected drain order: %v", all)
	}
	if q.Len() != 0 {
		t.Fatal("queue must be empty after Drain")
	}
}

func TestQueuePushCopiesInput(t *testing.T) {
	q := newOutboundQueue()
	buf := []byte("mutate-me")
	q.Push(buf)
	buf[0] = 'X'
	got, _ := q.Pop()
	if string(got) != "mutate-me" {
		t.Fatalf("expected queue to hold its own copy, got %q", got)
	}
}
