package handlers

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Perceptus-Labs/perceptus-guide/fallback"
	"github.com/Perceptus-Labs/perceptus-guide/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type frameFunc func(ctx context.Context) ([]byte, error)

func (f frameFunc) Frame(ctx context.Context) ([]byte, error) { return f(ctx) }

func jpeg(context.Context) ([]byte, error) { return []byte{0xff, 0xd8}, nil }

func TestFrameObserver_QueuesDescriptions(t *testing.T) {
	model := newStubModel()
	g := newTestGuide(t, model)
	o := NewFrameObserver(g, frameFunc(jpeg), model, time.Second, time.Second)

	queued, err := o.Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, queued)
	assert.Equal(t, "kettle and water on the stove", <-g.queue)
}

func TestFrameObserver_SkipsWhileSwapped(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	model := newStubModel()
	model.respond = func(_ context.Context, _, prompt string) (string, error) {
		if strings.HasPrefix(prompt, "The user asked") {
			close(entered)
			<-release
			return "answer", nil
		}
		return "kettle on the stove", nil
	}
	g := newTestGuide(t, model, withQueryTimeout(time.Second))

	var frames int
	o := NewFrameObserver(g, frameFunc(func(ctx context.Context) ([]byte, error) {
		frames++
		return jpeg(ctx)
	}), model, time.Second, time.Second)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		g.Query(context.Background(), "what step am I on?")
	}()
	<-entered

	queued, err := o.Tick(context.Background())
	require.NoError(t, err)
	assert.False(t, queued)
	assert.Equal(t, 0, frames)

	close(release)
	wg.Wait()
	queued, err = o.Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, queued)
}

func TestFrameObserver_DiscardsDescriptionSpanningEscalation(t *testing.T) {
	model := newStubModel()
	g := newTestGuide(t, model)

	// an escalation completes between capture and describe
	o := NewFrameObserver(g, frameFunc(func(ctx context.Context) ([]byte, error) {
		_, err := g.coordinator.Escalate(ctx, fallback.Request{Query: "what now"})
		require.NoError(t, err)
		return jpeg(ctx)
	}), model, time.Second, time.Second)

	queued, err := o.Tick(context.Background())
	require.NoError(t, err)
	assert.False(t, queued)
	assert.Equal(t, int64(1), o.Discarded())
	assert.Empty(t, g.queue)
}

func TestFrameObserver_Errors(t *testing.T) {
	model := newStubModel()
	g := newTestGuide(t, model)

	o := NewFrameObserver(g, frameFunc(func(context.Context) ([]byte, error) {
		return nil, errors.New("no camera")
	}), model, time.Second, time.Second)
	_, err := o.Tick(context.Background())
	assert.Error(t, err)

	model.respond = func(context.Context, string, string) (string, error) { return "", errors.New("502") }
	o = NewFrameObserver(g, frameFunc(jpeg), model, time.Second, time.Second)
	_, err = o.Tick(context.Background())
	var vlmErr *models.VLMUnavailableError
	assert.ErrorAs(t, err, &vlmErr)
}

func TestFrameObserver_RunFeedsGuide(t *testing.T) {
	defer goleak.VerifyNone(t)

	model := newStubModel()
	g := newTestGuide(t, model)
	o := NewFrameObserver(g, frameFunc(jpeg), model, 5*time.Millisecond, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _ = g.Run(ctx) }()
	go func() { defer wg.Done(); _ = o.Run(ctx) }()

	require.Eventually(t, func() bool {
		return g.CurrentState().StepIndex == 2
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	wg.Wait()
}
