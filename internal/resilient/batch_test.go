package resilient_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/h2a-dev/genq/internal/breaker"
	"github.com/h2a-dev/genq/internal/model"
	"github.com/h2a-dev/genq/internal/provider"
	"github.com/h2a-dev/genq/internal/provider/fake"
	"github.com/h2a-dev/genq/internal/queue"
	"github.com/h2a-dev/genq/internal/resilient"
)

func imagenItem(prompt string) resilient.BatchItem {
	return resilient.BatchItem{Kind: "imagen4", Arguments: map[string]any{"prompt": prompt}}
}

func TestClientSubmitBatch(t *testing.T) {
	tests := map[string]struct {
		items      []resilient.BatchItem
		expErrKind model.ErrorKind
		// expItemErrs are the error kinds per item, empty for the submitted ones.
		expItemErrs []model.ErrorKind
		expSubmits  int
	}{
		"Every item of a batch should be submitted.": {
			items:       []resilient.BatchItem{imagenItem("a"), imagenItem("b"), imagenItem("c")},
			expItemErrs: []model.ErrorKind{"", "", ""},
			expSubmits:  3,
		},

		"Failing items should not stop the rest of the batch.": {
			items: []resilient.BatchItem{
				imagenItem("a"),
				{Kind: "dalle", Arguments: map[string]any{"prompt": "b"}},
				{Kind: "kling_2.1", Arguments: map[string]any{"prompt": "zoom", "image_url": "https://img.test/a.png", "duration": 7}},
				imagenItem("d"),
			},
			expItemErrs: []model.ErrorKind{"", model.ErrorKindValidation, model.ErrorKindValidation, ""},
			expSubmits:  2,
		},

		"An empty batch should fail.": {
			expErrKind: model.ErrorKindValidation,
		},

		"A batch over the maximum size should fail without submitting.": {
			items: func() []resilient.BatchItem {
				items := make([]resilient.BatchItem, resilient.MaxBatchItems+1)
				for i := range items {
					items[i] = imagenItem("x")
				}
				return items
			}(),
			expErrKind: model.ErrorKindValidation,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			tc := newTestClient(t, fake.ProviderConfig{}, breaker.Config{}, 1)

			results, err := tc.client.SubmitBatch(context.Background(), test.items)
			assert.Equal(test.expSubmits, tc.provider.SubmitCalls())
			if test.expErrKind != "" {
				require.Error(err)
				assert.Equal(test.expErrKind, model.KindOf(err))
				return
			}
			require.NoError(err)

			require.Len(results, len(test.expItemErrs))
			for i, res := range results {
				assert.Equal(i, res.Index)
				if test.expItemErrs[i] != "" {
					assert.Equal(test.expItemErrs[i], model.KindOf(res.Err), "item %d", i)
					assert.Nil(res.Task)
					continue
				}
				require.NoError(res.Err, "item %d", i)
				require.NotNil(res.Task)
				assert.Equal(test.items[i].Kind, res.Task.Kind)
				assert.Equal(test.items[i].Arguments["prompt"], res.Task.Arguments["prompt"])
			}
		})
	}
}

// gatedProvider records how many submissions run at the same time.
type gatedProvider struct {
	*fake.Provider

	mu      sync.Mutex
	running int
	maxSeen int
}

func (p *gatedProvider) Submit(ctx context.Context, modelID string, args map[string]any) (provider.Handle, error) {
	p.mu.Lock()
	p.running++
	p.maxSeen = max(p.maxSeen, p.running)
	p.mu.Unlock()

	time.Sleep(20 * time.Millisecond)

	p.mu.Lock()
	p.running--
	p.mu.Unlock()

	return p.Provider.Submit(ctx, modelID, args)
}

func TestClientSubmitBatchConcurrency(t *testing.T) {
	fp, err := fake.NewProvider(fake.ProviderConfig{})
	require.NoError(t, err)
	p := &gatedProvider{Provider: fp}

	m, err := queue.NewManager(queue.ManagerConfig{Provider: p})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	c, err := resilient.NewClient(resilient.ClientConfig{Provider: p, Manager: m, BatchConcurrency: 2})
	require.NoError(t, err)

	items := make([]resilient.BatchItem, 6)
	for i := range items {
		items[i] = imagenItem("x")
	}

	results, err := c.SubmitBatch(context.Background(), items)
	require.NoError(t, err)
	for _, res := range results {
		assert.NoError(t, res.Err)
	}
	assert.Equal(t, 6, fp.SubmitCalls())
	assert.LessOrEqual(t, p.maxSeen, 2)
}

func TestClientSubmitBatchCancelledContext(t *testing.T) {
	tc := newTestClient(t, fake.ProviderConfig{}, breaker.Config{}, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results, err := tc.client.SubmitBatch(ctx, []resilient.BatchItem{imagenItem("a"), imagenItem("b")})
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, res := range results {
		assert.ErrorIs(t, res.Err, context.Canceled)
	}
	assert.Zero(t, tc.provider.SubmitCalls())
}
