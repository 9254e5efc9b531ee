package sink

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryandielhenn/zephyrcast/pkg/envelope"
)

func env(seq uint64) envelope.Envelope {
	return envelope.New("p", seq, nil, time.Time{})
}

func TestSlowSubscriberIsDisconnected(t *testing.T) {
	var (
		mu     sync.Mutex
		faults []error
	)
	h := NewHub(Config{QueueCapacity: 2, BackpressureTimeout: 20 * time.Millisecond, Policy: DisconnectSlowSubscriber},
		WithFaultHandler(func(err error) {
			mu.Lock()
			faults = append(faults, err)
			mu.Unlock()
		}))

	slow := h.Subscribe()
	healthy := h.Subscribe()

	got := make(chan uint64, 3)
	go func() {
		for i := 0; i < 3; i++ {
			e, err := healthy.Next(context.Background())
			if err != nil {
				return
			}
			got <- e.Sequence
		}
	}()

	for seq := uint64(1); seq <= 3; seq++ {
		h.Deliver(env(seq))
	}

	var order []uint64
	for i := 0; i < 3; i++ {
		select {
		case s := <-got:
			order = append(order, s)
		case <-time.After(time.Second):
			t.Fatal("healthy subscriber starved")
		}
	}
	assert.Equal(t, []uint64{1, 2, 3}, order)

	var fault *BackpressureFault
	require.ErrorAs(t, slow.Err(), &fault)
	assert.Equal(t, slow.ID(), fault.Subscriber)
	_, err := slow.Next(context.Background())
	assert.True(t, errors.Is(err, ErrClosed))
	assert.Equal(t, uint64(2), slow.Delivered())
	assert.Equal(t, 1, h.Len())

	mu.Lock()
	assert.Len(t, faults, 1)
	mu.Unlock()
}

func TestFirstTwoDoNotDisconnect(t *testing.T) {
	h := NewHub(Config{QueueCapacity: 2, BackpressureTimeout: time.Millisecond})
	s := h.Subscribe()
	h.Deliver(env(1))
	h.Deliver(env(2))
	assert.NoError(t, s.Err())
}

func TestDropOldest(t *testing.T) {
	var dropped []uint64
	h := NewHub(Config{QueueCapacity: 2, BackpressureTimeout: time.Millisecond, Policy: DropOldest},
		WithDropHandler(func(_ *Subscription, e envelope.Envelope) { dropped = append(dropped, e.Sequence) }))
	s := h.Subscribe()

	for seq := uint64(1); seq <= 4; seq++ {
		h.Deliver(env(seq))
	}
	require.NoError(t, s.Err())
	assert.Equal(t, []uint64{1, 2}, dropped)
	assert.Equal(t, uint64(2), s.Dropped())

	ctx := context.Background()
	e, err := s.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), e.Sequence)
	e, err = s.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), e.Sequence)
}

func TestDropOldestStopsWaitingOnSaturatedSubscriber(t *testing.T) {
	const wait = 100 * time.Millisecond
	h := NewHub(Config{QueueCapacity: 1, BackpressureTimeout: wait, Policy: DropOldest})
	stuck := h.Subscribe()
	healthy := h.Subscribe()

	got := make(chan uint64, 16)
	go func() {
		for {
			e, err := healthy.Next(context.Background())
			if err != nil {
				return
			}
			got <- e.Sequence
		}
	}()

	start := time.Now()
	for seq := uint64(1); seq <= 10; seq++ {
		h.Deliver(env(seq))
	}
	assert.Less(t, time.Since(start), 3*wait, "every delivery waited out the timeout")
	assert.Equal(t, uint64(9), stuck.Dropped())
	require.NoError(t, stuck.Err())

	for want := uint64(1); want <= 10; want++ {
		select {
		case seq := <-got:
			assert.Equal(t, want, seq)
		case <-time.After(time.Second):
			t.Fatalf("healthy subscriber missing %d", want)
		}
	}

	// once drained the subscriber gets the full timeout again
	e, err := stuck.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(10), e.Sequence)
	h.Deliver(env(11))
	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = stuck.Next(context.Background())
	}()
	h.Deliver(env(12))
	assert.Equal(t, uint64(9), stuck.Dropped())
	healthy.Close()
}

func TestBlockedDeliverResumesWhenReaderCatchesUp(t *testing.T) {
	h := NewHub(Config{QueueCapacity: 1, BackpressureTimeout: time.Second})
	s := h.Subscribe()
	h.Deliver(env(1))

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = s.Next(context.Background())
	}()
	h.Deliver(env(2))
	require.NoError(t, s.Err())

	e, err := s.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), e.Sequence)
}

func TestSubscriptionStartsAtRegistration(t *testing.T) {
	h := NewHub(Config{})
	h.Deliver(env(1))
	s := h.Subscribe()
	h.Deliver(env(2))

	e, err := s.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), e.Sequence)
}

func TestUnsubscribeIsImmediateAndIdempotent(t *testing.T) {
	h := NewHub(Config{})
	s := h.Subscribe()
	h.Deliver(env(1))

	h.Unsubscribe(s)
	h.Unsubscribe(s)
	s.Close()

	_, err := s.Next(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.Zero(t, h.Len())

	h.Deliver(env(2))
	assert.Equal(t, uint64(1), s.Delivered())
}

func TestNextHonoursContext(t *testing.T) {
	h := NewHub(Config{})
	s := h.Subscribe()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := s.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSubscribeFuncDeliversInOrder(t *testing.T) {
	h := NewHub(Config{})
	got := make(chan uint64, 10)
	s := h.SubscribeFunc(func(e envelope.Envelope) { got <- e.Sequence })
	defer s.Close()

	for seq := uint64(1); seq <= 5; seq++ {
		h.Deliver(env(seq))
	}
	for want := uint64(1); want <= 5; want++ {
		select {
		case seq := <-got:
			assert.Equal(t, want, seq)
		case <-time.After(time.Second):
			t.Fatalf("missing envelope %d", want)
		}
	}
}

func TestClosedHub(t *testing.T) {
	h := NewHub(Config{})
	s := h.Subscribe()
	h.Close()

	_, err := s.Next(context.Background())
	assert.ErrorIs(t, err, ErrClosed)

	late := h.Subscribe()
	assert.ErrorIs(t, late.Err(), ErrClosed)
	assert.Zero(t, h.Len())
}

func TestParsePolicy(t *testing.T) {
	for in, want := range map[string]Policy{
		"":                         DisconnectSlowSubscriber,
		"DisconnectSlowSubscriber": DisconnectSlowSubscriber,
		"drop-oldest":              DropOldest,
		"DropOldest":               DropOldest,
	} {
		got, err := ParsePolicy(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParsePolicy("never")
	assert.Error(t, err)

	var p Policy
	require.NoError(t, p.UnmarshalText([]byte("dropoldest")))
	assert.Equal(t, DropOldest, p)
}
