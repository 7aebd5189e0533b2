package callctx

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCapture_CopiesValues(t *testing.T) {
	values := map[string]any{"user": "alice", "limit": 10}
	snap := Capture(context.Background(), values)

	values["user"] = "mallory" // mutate the source after capture
	delete(values, "limit")

	v, ok := snap.Value("user")
	require.True(t, ok)
	assert.Equal(t, "alice", v)
	v, ok = snap.Value("limit")
	require.True(t, ok)
	assert.Equal(t, 10, v)
}

func TestSnapshot_WithValue(t *testing.T) {
	base := Capture(context.Background(), map[string]any{"a": 1})
	derived := base.WithValue("b", 2)

	_, ok := base.Value("b")
	assert.False(t, ok, "receiver must not be modified")
	v, ok := derived.Value("b")
	require.True(t, ok)
	assert.Equal(t, 2, v)
	assert.Equal(t, []string{"a", "b"}, derived.Keys())
}

func TestSnapshot_Deadline(t *testing.T) {
	dl := time.Now().Add(time.Minute)
	ctx, cancel := context.WithDeadline(context.Background(), dl)
	defer cancel()

	snap := Capture(ctx, nil)
	got, ok := snap.Deadline()
	require.True(t, ok)
	assert.Equal(t, dl.Unix(), got.Unix())
	assert.False(t, snap.Expired(time.Now()))
	assert.True(t, snap.Expired(dl.Add(time.Second)))
}

func TestSnapshot_WithDeadlineKeepsEarlier(t *testing.T) {
	early := time.Now().Add(time.Second)
	late := time.Now().Add(time.Hour)

	snap := Snapshot{}.WithDeadline(early).WithDeadline(late)
	got, ok := snap.Deadline()
	require.True(t, ok)
	assert.Equal(t, early, got)
}

func TestSnapshot_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	snap := Capture(ctx, nil)
	assert.False(t, snap.Canceled())

	cancel()
	assert.True(t, snap.Canceled())

	var zero Snapshot
	assert.False(t, zero.Canceled(), "zero snapshot has no cancellation")
}

func TestSnapshot_ContextCancelPropagation(t *testing.T) {
	src, srcCancel := context.WithCancel(context.Background())
	snap := Capture(src, nil)

	ctx, cancel := snap.Context(context.Background())
	defer cancel()

	select {
	case <-ctx.Done():
		t.Fatal("context must not be done before the captured token fires")
	default:
	}

	srcCancel()
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("canceling the captured context must cancel the materialized one")
	}
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
}

func TestSnapshot_ContextRoundTrip(t *testing.T) {
	dl := time.Now().Add(time.Minute)
	snap := Capture(context.Background(), map[string]any{"k": "v"}).WithDeadline(dl)

	ctx, cancel := snap.Context(context.Background())
	defer cancel()

	got, ok := FromContext(ctx)
	require.True(t, ok)
	v, ok := got.Value("k")
	require.True(t, ok)
	assert.Equal(t, "v", v)

	ctxDl, ok := ctx.Deadline()
	require.True(t, ok)
	assert.Equal(t, dl.Unix(), ctxDl.Unix())

	_, ok = FromContext(context.Background())
	assert.False(t, ok)
}
