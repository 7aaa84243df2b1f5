package codeindex

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Mock implementations ---

type mockSource struct {
	mu       sync.Mutex
	codes    []string
	err      error
	watches  int
	watchErr error

	// onList runs inside ListCodes after the codes are read.
	onList func()
	added  chan string
}

func newMockSource(codes ...string) *mockSource {
	return &mockSource{codes: codes, added: make(chan string)}
}

func (m *mockSource) ListCodes(context.Context) ([]string, error) {
	m.mu.Lock()
	codes, err, hook := m.codes, m.err, m.onList
	m.mu.Unlock()
	if hook != nil {
		hook()
	}
	return codes, err
}

func (m *mockSource) WatchCodes(ctx context.Context, ready func(context.Context) error, added func(string)) error {
	m.mu.Lock()
	m.watches++
	watchErr := m.watchErr
	m.mu.Unlock()
	if watchErr != nil {
		return watchErr
	}
	if err := ready(ctx); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case code := <-m.added:
			added(code)
		}
	}
}

func (m *mockSource) set(codes []string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.codes, m.err = codes, err
}

func (m *mockSource) watchCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.watches
}

// --- Helpers ---

func run(t *testing.T, f *Filter, interval time.Duration) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx, interval) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Error("Run did not stop after cancel")
		}
	})
}

// --- Tests ---

func TestFilter_FailsOpenUntilFollowing(t *testing.T) {
	f := New(newMockSource("WELCOME10"), Options{})
	assert.True(t, f.MayContain("ANYTHING"), "empty filter")

	require.NoError(t, f.Rebuild(context.Background()))
	assert.True(t, f.MayContain("ANYTHING"), "snapshot alone can go stale")
}

func TestFilter_Rebuild(t *testing.T) {
	f := New(newMockSource("WELCOME10", "SPRING"), Options{Capacity: 10})
	f.live.Store(true)

	require.NoError(t, f.Rebuild(context.Background()))

	assert.True(t, f.MayContain("WELCOME10"))
	assert.True(t, f.MayContain("SPRING"))
	assert.False(t, f.MayContain("NOPE"))
}

func TestFilter_NoFalseNegatives(t *testing.T) {
	codes := make([]string, 5000)
	for i := range codes {
		codes[i] = fmt.Sprintf("CODE%05d", i)
	}
	// Capacity smaller than the code count must still size for all codes.
	f := New(newMockSource(codes...), Options{Capacity: 10, FPR: 0.01})
	f.live.Store(true)
	require.NoError(t, f.Rebuild(context.Background()))

	for _, c := range codes {
		require.True(t, f.MayContain(c), c)
	}
}

func TestFilter_RebuildErrorKeepsPrevious(t *testing.T) {
	src := newMockSource("KEEP")
	f := New(src, Options{})
	f.live.Store(true)
	require.NoError(t, f.Rebuild(context.Background()))

	src.set(nil, errors.New("db down"))
	require.Error(t, f.Rebuild(context.Background()))
	assert.True(t, f.MayContain("KEEP"))
}

func TestFilter_RebuildKeepsCodesAddedWhileListing(t *testing.T) {
	src := newMockSource("OLD")
	f := New(src, Options{})
	f.live.Store(true)
	src.onList = func() { f.Add("LATE") }

	require.NoError(t, f.Rebuild(context.Background()))

	assert.True(t, f.MayContain("OLD"))
	assert.True(t, f.MayContain("LATE"))
	assert.False(t, f.MayContain("NOPE"))
}

func TestFilter_RunFollowsNewCodes(t *testing.T) {
	src := newMockSource("WELCOME10")
	f := New(src, Options{Capacity: 10})
	run(t, f, time.Hour)

	require.Eventually(t, func() bool {
		return !f.MayContain("NEWCODE25")
	}, time.Second, 5*time.Millisecond, "filter must start following")
	assert.True(t, f.MayContain("WELCOME10"))

	src.added <- "NEWCODE25"
	require.Eventually(t, func() bool {
		return f.MayContain("NEWCODE25")
	}, time.Second, 5*time.Millisecond)
}

func TestFilter_RunFailsOpenWhileStreamDown(t *testing.T) {
	src := newMockSource("WELCOME10")
	src.watchErr = errors.New("connection refused")
	f := New(src, Options{RetryDelay: time.Millisecond})
	require.NoError(t, f.Rebuild(context.Background()))
	run(t, f, time.Hour)

	require.Eventually(t, func() bool {
		return src.watchCount() >= 3
	}, time.Second, time.Millisecond, "stream must be retried")
	assert.True(t, f.MayContain("NEWCODE25"))
}

func TestFilter_RunRefreshesPeriodically(t *testing.T) {
	src := newMockSource("A")
	f := New(src, Options{})
	run(t, f, 5*time.Millisecond)

	src.set([]string{"B"}, nil)
	require.Eventually(t, func() bool {
		return f.MayContain("B") && !f.MayContain("A")
	}, time.Second, 5*time.Millisecond)
}
