package aiadapter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDisabledAdapterUsesStaticTicketBody(t *testing.T) {
	a := New("", "", "")
	body, err := a.GenerateTicketBody(context.Background(), "order-1", "acc1", 90)
	require.NoError(t, err)
	require.Contains(t, body, "order-1")
	require.Contains(t, body, "acc1")
}

func TestDisabledAdapterClassifiesByRating(t *testing.T) {
	a := New("", "", "")
	positive, err := a.ClassifyReviewSentiment(context.Background(), "great seller", 5)
	require.NoError(t, err)
	require.True(t, positive)

	negative, err := a.ClassifyReviewSentiment(context.Background(), "bad experience", 2)
	require.NoError(t, err)
	require.False(t, negative)
}
