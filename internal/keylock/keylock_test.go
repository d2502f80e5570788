package keylock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKeyLock(t *testing.T) {
	t.Run("serializes holders of the same key", func(t *testing.T) {
		l := New()
		var counter int

		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				l.Lock("sess-1")
				defer l.Unlock("sess-1")
				counter++
			}()
		}
		wg.Wait()

		assert.Equal(t, 50, counter)
	})

	t.Run("different keys do not block each other", func(t *testing.T) {
		l := New()
		l.Lock("sess-1")
		defer l.Unlock("sess-1")

		done := make(chan struct{})
		go func() {
			l.Lock("sess-2")
			l.Unlock("sess-2")
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("lock on a different key blocked")
		}
	})

	t.Run("entries are removed when released", func(t *testing.T) {
		l := New()

		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				l.Lock("sess-1")
				l.Unlock("sess-1")
			}()
		}
		wg.Wait()

		assert.Equal(t, 0, l.Len())
	})

	t.Run("unlock of unheld key panics", func(t *testing.T) {
		l := New()
		assert.Panics(t, func() { l.Unlock("never-locked") })
	})
}
