package multimutex

import (
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

// TestMutexSerializesKey checks that holders of the same key run one at a
// time while other keys proceed.
func TestMutexSerializesKey(t *testing.T) {
	t.Parallel()

	m := NewMutex[wire.OutPoint]()
	op := wire.OutPoint{Hash: chainhash.Hash{1}, Index: 0}
	other := wire.OutPoint{Hash: chainhash.Hash{1}, Index: 1}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		active  int
		maxSeen int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			m.Lock(op)
			defer m.Unlock(op)

			mu.Lock()
			active++
			if active > maxSeen {
				maxSeen = active
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
		}()
	}

	// A different key is never blocked by the first one.
	done := make(chan struct{})
	go func() {
		m.Lock(other)
		m.Unlock(other)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("independent key blocked")
	}

	wg.Wait()
	require.Equal(t, 1, maxSeen)
	require.Zero(t, m.pending())
}

// TestMutexDoubleUnlock checks that unlocking an unknown key panics.
func TestMutexDoubleUnlock(t *testing.T) {
	t.Parallel()

	m := NewMutex[chainhash.Hash]()
	m.Lock(chainhash.Hash{2})
	m.Unlock(chainhash.Hash{2})

	require.Panics(t, func() {
		m.Unlock(chainhash.Hash{2})
	})
}
