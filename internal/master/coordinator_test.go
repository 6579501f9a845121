package master

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yqhp/dcf/internal/closure"
	"yqhp/dcf/internal/storage"
	workerrt "yqhp/dcf/internal/worker"
	"yqhp/dcf/pkg/dcferr"
	"yqhp/dcf/pkg/types"
)

const testSecret = "s3cret"

var (
	whoAmI = closure.Define("master_test.whoami", func(ctx context.Context, env *closure.Env, args ...any) (any, error) {
		return args[0], nil
	})

	remember = closure.Define("master_test.remember", func(ctx context.Context, env *closure.Env, args ...any) (any, error) {
		b, err := storage.Lookup(ctx, "mem")
		if err != nil {
			return nil, err
		}
		return nil, b.SetItem(ctx, "marker", []byte(args[0].(string)))
	})

	recall = closure.Define("master_test.recall", func(ctx context.Context, env *closure.Env, args ...any) (any, error) {
		b, err := storage.Lookup(ctx, "mem")
		if err != nil {
			return nil, err
		}
		data, err := b.GetItem(ctx, "marker")
		if err != nil {
			return nil, err
		}
		return string(data), nil
	})

	fail = closure.Define("master_test.fail", func(ctx context.Context, env *closure.Env, args ...any) (any, error) {
		return nil, dcferr.NotFound("nothing")
	})

	blockEntered = make(chan struct{})
	blockOnce    sync.Once

	blockingFactory = closure.Define("master_test.blocking-factory", func(ctx context.Context, env *closure.Env, args ...any) (any, error) {
		blockOnce.Do(func() { close(blockEntered) })
		<-ctx.Done()
		return nil, ctx.Err()
	})
)

func memStorage(t *testing.T) StorageDescriptor {
	t.Helper()
	factory, err := storage.Factory("memory", "mem", nil)
	require.NoError(t, err)
	return StorageDescriptor{Name: "mem", Factory: factory}
}

func startMaster(t *testing.T, storages ...StorageDescriptor) *Coordinator {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	cfg.Secret = testSecret
	cfg.HandshakeTimeout = 10 * time.Second
	cfg.Storages = storages

	c := New(cfg)
	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() { c.Stop(context.Background()) })
	return c
}

func newWorker(t *testing.T, c *Coordinator, secret string) *workerrt.Runtime {
	t.Helper()
	cfg := workerrt.DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.MasterEndpoint = c.Endpoint()
	cfg.Secret = secret
	cfg.CleanupInterval = time.Hour
	cfg.RegisterTimeout = 10 * time.Second

	rt := workerrt.New(cfg)
	t.Cleanup(func() { rt.Stop(context.Background()) })
	return rt
}

func startWorker(t *testing.T, c *Coordinator) *workerrt.Runtime {
	t.Helper()
	rt := newWorker(t, c, testSecret)
	require.NoError(t, rt.Start(context.Background()))
	return rt
}

func TestWorkersJoinAndDispatch(t *testing.T) {
	c := startMaster(t, memStorage(t))

	runtimes := make([]*workerrt.Runtime, 3)
	for i := range runtimes {
		runtimes[i] = startWorker(t, c)
	}

	workers := c.Workers()
	require.Len(t, workers, 3)
	assert.Equal(t, 3, c.Count())

	ids := make(map[string]bool)
	for _, rt := range runtimes {
		id := rt.Identity()
		assert.Equal(t, types.WorkerStateRegistered, rt.State())
		assert.Contains(t, id.WorkerID, "worker-")

		info, err := c.Worker(id.WorkerID)
		require.NoError(t, err)
		assert.Equal(t, rt.Endpoint(), info.Endpoint)

		got, err := DispatchAs[string](context.Background(), c, id.WorkerID, whoAmI.Bind(nil))
		require.NoError(t, err)
		assert.Equal(t, id.WorkerID, got)
		ids[got] = true
	}
	assert.Len(t, ids, 3)
}

func TestEachWorkerOwnsItsStorageInstance(t *testing.T) {
	c := startMaster(t, memStorage(t))
	startWorker(t, c)
	startWorker(t, c)

	ctx := context.Background()
	for _, w := range c.Workers() {
		_, err := c.Dispatch(ctx, w.WorkerID, remember.Bind(nil))
		require.NoError(t, err)
	}
	for _, w := range c.Workers() {
		got, err := DispatchAs[string](ctx, c, w.WorkerID, recall.Bind(nil))
		require.NoError(t, err)
		assert.Equal(t, w.WorkerID, got)
	}
}

func TestDispatchUnknownWorker(t *testing.T) {
	c := startMaster(t)

	_, err := c.Dispatch(context.Background(), "worker-missing", whoAmI.Bind(nil))
	assert.ErrorIs(t, err, dcferr.ErrUnknownWorker)

	_, err = c.Worker("worker-missing")
	assert.ErrorIs(t, err, dcferr.ErrUnknownWorker)
}

func TestWorkerRemovedWhenSessionCloses(t *testing.T) {
	c := startMaster(t)
	rt := startWorker(t, c)
	id := rt.Identity().WorkerID

	require.NoError(t, rt.Stop(context.Background()))

	assert.Eventually(t, func() bool { return c.Count() == 0 }, 5*time.Second, 20*time.Millisecond)
	_, err := c.Dispatch(context.Background(), id, whoAmI.Bind(nil))
	assert.ErrorIs(t, err, dcferr.ErrUnknownWorker)
}

func TestRemoteErrorKeepsCode(t *testing.T) {
	c := startMaster(t)
	rt := startWorker(t, c)

	_, err := c.Dispatch(context.Background(), rt.Identity().WorkerID, fail.Bind(nil))
	assert.ErrorIs(t, err, dcferr.ErrNotFound)

	stats := c.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, int64(1), stats[0].Count)
	assert.Equal(t, int64(1), stats[0].Errors)
}

func TestDispatchScript(t *testing.T) {
	c := startMaster(t)
	rt := startWorker(t, c)

	script := closure.NewScript(`args[0] + ":" + (base * 2)`, map[string]any{"base": 21})
	got, err := DispatchAs[string](context.Background(), c, rt.Identity().WorkerID, script)
	require.NoError(t, err)
	assert.Equal(t, rt.Identity().WorkerID+":42", got)
}

func TestRegisterRejectsBadSecret(t *testing.T) {
	c := startMaster(t)

	_, err := c.RegisterWorker(context.Background(), "127.0.0.1:1", "wrong")
	assert.ErrorIs(t, err, dcferr.ErrAuth)

	rt := newWorker(t, c, "wrong")
	err = rt.Start(context.Background())
	assert.ErrorIs(t, err, dcferr.ErrAuth)
	assert.Equal(t, 0, c.Count())
}

func TestRegisterUnreachableWorker(t *testing.T) {
	c := startMaster(t)

	_, err := c.RegisterWorker(context.Background(), "127.0.0.1:1", testSecret)
	assert.Error(t, err)
	assert.Equal(t, 0, c.Count())
}

func TestWorkerLostDuringHandshakeIsNeverListed(t *testing.T) {
	c := startMaster(t, StorageDescriptor{Name: "slow", Factory: blockingFactory.Bind(nil)})

	events := c.Watch(context.Background())
	rt := newWorker(t, c, testSecret)
	require.NoError(t, rt.Serve())

	registered := make(chan error, 1)
	go func() {
		_, err := rt.Register(context.Background())
		registered <- err
	}()

	select {
	case <-blockEntered:
	case <-time.After(5 * time.Second):
		t.Fatal("storage factory never ran")
	}
	require.NoError(t, rt.Stop(context.Background()))

	select {
	case err := <-registered:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("register did not return")
	}

	assert.Equal(t, 0, c.Count())
	select {
	case ev := <-events:
		t.Fatalf("unexpected event %s for %s", ev.Type, ev.Worker.WorkerID)
	default:
	}
}

func TestWatchEvents(t *testing.T) {
	c := startMaster(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := c.Watch(ctx)

	rt := startWorker(t, c)
	id := rt.Identity().WorkerID

	ev := <-events
	assert.Equal(t, types.WorkerEventJoined, ev.Type)
	assert.Equal(t, id, ev.Worker.WorkerID)

	require.NoError(t, rt.Stop(context.Background()))

	select {
	case ev = <-events:
		assert.Equal(t, types.WorkerEventLeft, ev.Type)
		assert.Equal(t, id, ev.Worker.WorkerID)
	case <-time.After(5 * time.Second):
		t.Fatal("no leave event")
	}
}

func TestBroadcast(t *testing.T) {
	c := startMaster(t)
	startWorker(t, c)
	startWorker(t, c)

	results, err := c.Broadcast(context.Background(), whoAmI.Bind(nil))
	require.NoError(t, err)
	require.Len(t, results, 2)
	for id, r := range results {
		require.NoError(t, r.Err)
		assert.JSONEq(t, `"`+id+`"`, string(r.Value))
	}
}

func TestStopReleasesWorkers(t *testing.T) {
	c := startMaster(t)
	rt := startWorker(t, c)

	require.NoError(t, c.Stop(context.Background()))
	require.NoError(t, c.Stop(context.Background()))

	select {
	case <-rt.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not exit after master stopped")
	}

	_, err := c.RegisterWorker(context.Background(), rt.Endpoint(), testSecret)
	assert.True(t, errors.Is(err, ErrStopped))
}

func TestWaitForWorkers(t *testing.T) {
	c := startMaster(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- c.WaitForWorkers(ctx, 2) }()

	startWorker(t, c)
	startWorker(t, c)
	assert.NoError(t, <-done)
}

func TestStartRejectsDuplicateStorage(t *testing.T) {
	desc := memStorage(t)
	cfg := DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	cfg.Storages = []StorageDescriptor{desc, desc}

	err := New(cfg).Start(context.Background())
	assert.ErrorIs(t, err, dcferr.ErrBadRequest)
}
