package evidence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLocalStoreAndLoad(t *testing.T) {
	archive, err := NewLocal(t.TempDir())
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, archive.Store(context.Background(), Record{
		ConnectionID: "conn-1",
		Role:         "verifier",
		Suite:        "Dummy",
		Outcome:      "ok",
		CompletedAt:  now,
	}))
	require.NoError(t, archive.Store(context.Background(), Record{
		ConnectionID: "conn-1",
		Role:         "prover",
		Suite:        "Dummy",
		Outcome:      "failed",
		Detail:       "nonce mismatch",
		CompletedAt:  now.Add(time.Second),
	}))

	records, err := archive.Load("conn-1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "verifier", records[0].Role)
	require.Equal(t, "failed", records[1].Outcome)
	require.Equal(t, "nonce mismatch", records[1].Detail)
}

func TestLocalConcurrentAppends(t *testing.T) {
	archive, err := NewLocal(t.TempDir())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = archive.Store(context.Background(), Record{
				ConnectionID: "conn-burst",
				Role:         "prover",
				Suite:        "Dummy",
				Outcome:      "ok",
			})
		}()
	}
	wg.Wait()

	records, err := archive.Load("conn-burst")
	require.NoError(t, err)
	require.Len(t, records, 20)
}

func TestObserverArchivesAsynchronously(t *testing.T) {
	archive, err := NewLocal(t.TempDir())
	require.NoError(t, err)

	obs := NewObserver("conn-obs", archive)
	obs.OnRaRoundCompleted("verifier", "Dummy", false, "quote stale")

	require.Eventually(t, func() bool {
		records, err := archive.Load("conn-obs")
		return err == nil && len(records) == 1
	}, time.Second, 10*time.Millisecond)

	records, err := archive.Load("conn-obs")
	require.NoError(t, err)
	require.Equal(t, "failed", records[0].Outcome)
	require.Equal(t, "quote stale", records[0].Detail)
}
