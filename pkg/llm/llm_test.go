package llm

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLLM struct {
	reply string
}

func (f *fakeLLM) Complete(ctx context.Context, system, user string) (string, error) {
	return f.reply, nil
}

type fakeEmbedder struct {
	dim int
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return make([]float32, f.dim), nil
}

func (f *fakeEmbedder) Dim() int { return f.dim }

func TestSlotUnconfigured(t *testing.T) {
	s := NewSlot(nil, nil)
	assert.False(t, s.Configured())
	assert.False(t, s.EmbedderConfigured())

	_, err := s.Complete(context.Background(), "", "hi")
	assert.ErrorIs(t, err, ErrNotConfigured)

	_, err = s.Embed(context.Background(), "hi")
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestSlotReconfigure(t *testing.T) {
	s := NewSlot(&fakeLLM{reply: "first"}, nil)

	out, err := s.Complete(context.Background(), "", "hi")
	require.NoError(t, err)
	assert.Equal(t, "first", out)

	s.Reconfigure(&fakeLLM{reply: "second"})
	out, err = s.Complete(context.Background(), "", "hi")
	require.NoError(t, err)
	assert.Equal(t, "second", out)

	s.ReconfigureEmbedder(&fakeEmbedder{dim: 8})
	v, err := s.Embed(context.Background(), "hi")
	require.NoError(t, err)
	assert.Len(t, v, 8)
}

func TestSlotConcurrentReconfigure(t *testing.T) {
	s := NewSlot(&fakeLLM{reply: "a"}, &fakeEmbedder{dim: 4})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Reconfigure(&fakeLLM{reply: "b"})
			_, _ = s.Complete(context.Background(), "", "x")
			_, _ = s.Embed(context.Background(), "x")
		}()
	}
	wg.Wait()

	out, err := s.Complete(context.Background(), "", "x")
	require.NoError(t, err)
	assert.Equal(t, "b", out)
}
