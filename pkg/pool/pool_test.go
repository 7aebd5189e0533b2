package pool

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/asynclite/asynclite/pkg/bridge"
	"github.com/asynclite/asynclite/pkg/sqlite"
)

func TestPool_GetPut(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "pool.db")
	ctrl := bridge.NewController(bridge.Options{})
	defer func() { require.NoError(t, ctrl.Stop(context.Background())) }()

	p, err := New(context.Background(), ctrl, sqlite.Factory(dsn), 3)
	require.NoError(t, err)
	assert.Equal(t, 3, p.Size())

	ctx := context.Background()
	conn, err := p.Get(ctx)
	require.NoError(t, err)

	_, err = conn.Call(ctx, sqlite.MethodExec, []any{`CREATE TABLE t (n INTEGER)`}, nil).Wait(ctx)
	require.NoError(t, err)
	p.Put(conn)

	require.NoError(t, p.Close(ctx))
	assert.NoError(t, p.Close(ctx), "second close is a no-op")

	_, err = p.Get(ctx)
	assert.ErrorIs(t, err, bridge.ErrClosed)
}

func TestPool_GetBlocksUntilFree(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "pool.db")
	ctrl := bridge.NewController(bridge.Options{})
	defer func() { require.NoError(t, ctrl.Stop(context.Background())) }()

	p, err := New(context.Background(), ctrl, sqlite.Factory(dsn), 1)
	require.NoError(t, err)
	defer p.Close(context.Background())

	ctx := context.Background()
	conn, err := p.Get(ctx)
	require.NoError(t, err)

	got := make(chan *bridge.Conn, 1)
	go func() {
		c, e := p.Get(ctx)
		assert.NoError(t, e)
		got <- c
	}()

	select {
	case <-got:
		t.Fatal("get must block while the only connection is borrowed")
	case <-time.After(50 * time.Millisecond):
	}

	p.Put(conn)
	select {
	case c := <-got:
		assert.Equal(t, conn, c)
	case <-time.After(time.Second):
		t.Fatal("get must return once a connection is put back")
	}
}

func TestPool_GetHonorsContext(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "pool.db")
	ctrl := bridge.NewController(bridge.Options{})
	defer func() { require.NoError(t, ctrl.Stop(context.Background())) }()

	p, err := New(context.Background(), ctrl, sqlite.Factory(dsn), 1)
	require.NoError(t, err)
	defer p.Close(context.Background())

	conn, err := p.Get(context.Background())
	require.NoError(t, err)
	defer p.Put(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Get(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPool_OpenFailure(t *testing.T) {
	ctrl := bridge.NewController(bridge.Options{})
	defer func() { _ = ctrl.Stop(context.Background()) }()

	boom := func() (bridge.Resource, error) { return nil, errors.New("disk on fire") }
	_, err := New(context.Background(), ctrl, boom, 2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk on fire")
}

func TestPool_InvalidSize(t *testing.T) {
	ctrl := bridge.NewController(bridge.Options{})
	defer func() { _ = ctrl.Stop(context.Background()) }()

	_, err := New(context.Background(), ctrl, nil, 0)
	require.Error(t, err)
}
