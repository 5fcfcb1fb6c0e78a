package engine

import (
	"sync"
	"testing"

	"github.com/google/uuid"
)

func TestLockTeacherReleasesEntries(t *testing.T) {
	e := &Engine{locks: make(map[uuid.UUID]*teacherLock)}
	teachers := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}

	var wg sync.WaitGroup
	for i := 0; i < 24; i++ {
		id := teachers[i%len(teachers)]
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := e.lockTeacher(id)
			unlock()
		}()
	}
	wg.Wait()

	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.locks) != 0 {
		t.Fatalf("expected an empty lock table after release, got %d entries", len(e.locks))
	}
}

func TestLockTeacherMutualExclusion(t *testing.T) {
	e := &Engine{locks: make(map[uuid.UUID]*teacherLock)}
	id := uuid.New()

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := e.lockTeacher(id)
			counter++
			unlock()
		}()
	}
	wg.Wait()

	if counter != 16 {
		t.Fatalf("expected 16 serialized critical sections, got %d", counter)
	}
}
