package publish

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemoryPublisherRecordsMessages(t *testing.T) {
	t.Parallel()

	p := NewMemoryPublisher()
	ctx := context.Background()

	id1, err := p.Publish(ctx, "outcomes", map[string]string{"target": "a"})
	require.NoError(t, err)
	id2, err := p.Publish(ctx, "outcomes", map[string]string{"target": "b"})
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)

	msgs := p.Messages("outcomes")
	require.Len(t, msgs, 2)
	require.JSONEq(t, `{"target":"a"}`, string(msgs[0]))
	require.JSONEq(t, `{"target":"b"}`, string(msgs[1]))
	require.Empty(t, p.Messages("other"))
}

func TestMemoryPublisherRequiresTopic(t *testing.T) {
	t.Parallel()

	p := NewMemoryPublisher()
	_, err := p.Publish(context.Background(), "", "payload")
	require.Error(t, err)
}
