package core

import (
	"fmt"
	"sync"
	"testing"
)

func TestDirtySet_AddIdempotent(t *testing.T) {
	s := NewDirtySet()
	s.Add("limits:remaining:2026:03:01")
	s.Add("limits:remaining:2026:03:01")
	if s.Size() != 1 {
		t.Fatalf("expected 1 key, got %d", s.Size())
	}
	if !s.Contains("limits:remaining:2026:03:01") {
		t.Fatalf("expected membership")
	}
}

func TestDirtySet_RemoveAllKeepsLaterAdds(t *testing.T) {
	s := NewDirtySet()
	s.Add("a")
	s.Add("b")
	snap := s.Snapshot()

	// A key dirtied after the snapshot must survive removal of the snapshot.
	s.Add("c")
	s.RemoveAll(snap)

	if s.Size() != 1 || !s.Contains("c") {
		t.Fatalf("expected only c to survive, got %v", s.Snapshot())
	}
}

func TestDirtySet_Clear(t *testing.T) {
	s := NewDirtySet()
	s.Add("a")
	s.Clear()
	if s.Size() != 0 || s.Contains("a") {
		t.Fatalf("expected empty set")
	}
}

func TestDirtySet_ConcurrentProducersAndConsumer(t *testing.T) {
	s := NewDirtySet()
	const producers = 50
	const keysPerProducer = 200

	var wg sync.WaitGroup
	wg.Add(producers)
	for p := 0; p < producers; p++ {
		go func(p int) {
			defer wg.Done()
			for i := 0; i < keysPerProducer; i++ {
				s.Add(fmt.Sprintf("key-%d-%d", p, i))
			}
		}(p)
	}

	// A concurrent consumer snapshotting and removing must never lose keys
	// that were not part of its snapshot.
	done := make(chan struct{})
	removed := 0
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			snap := s.Snapshot()
			s.RemoveAll(snap)
			removed += len(snap)
		}
	}()

	wg.Wait()
	<-done

	if got := removed + s.Size(); got != producers*keysPerProducer {
		t.Fatalf("keys lost or duplicated: removed=%d left=%d want total %d",
			removed, s.Size(), producers*keysPerProducer)
	}
}
