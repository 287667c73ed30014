package pipeline

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"sidequest/internal/db"
	"sidequest/internal/scheduler"
)

// stubWorker is the smallest thing satisfying the Worker interface; it
// runs jobs through a real scheduler so StartAll can be observed.
type stubWorker struct {
	id    string
	sched *scheduler.Scheduler
	env   Env
	inits atomic.Int32
	runs  atomic.Int32
}

func newStubWorker(env Env, id string) *stubWorker {
	w := &stubWorker{id: id, env: env}
	w.sched = env.newScheduler(id, w, false)
	return w
}

func (w *stubWorker) PipelineID() string              { return w.id }
func (w *stubWorker) Scheduler() *scheduler.Scheduler { return w.sched }

func (w *stubWorker) Initialize(ctx context.Context) error {
	w.inits.Add(1)
	return w.sched.Initialize(ctx)
}

func (w *stubWorker) Trigger(ctx context.Context, params map[string]any) (*db.Job, error) {
	return w.sched.CreateJob("stub-"+w.id, map[string]any{})
}

func (w *stubWorker) RunJob(ctx context.Context, job *db.Job) (any, error) {
	w.runs.Add(1)
	return map[string]any{"ok": true}, nil
}

func TestRegistryGetMemoizesPerPipeline(t *testing.T) {
	t.Parallel()
	env := testEnv(t)
	r := NewRegistry()

	var builds atomic.Int32
	r.Register("alpha", func(ctx context.Context) (Worker, error) {
		builds.Add(1)
		return newStubWorker(env, "alpha"), nil
	})

	ctx := context.Background()
	first, err := r.Get(ctx, "alpha")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	second, err := r.Get(ctx, "alpha")
	if err != nil {
		t.Fatalf("get again: %v", err)
	}
	if first != second {
		t.Fatal("expected the memoized instance")
	}
	if builds.Load() != 1 {
		t.Fatalf("factory ran %d times, want 1", builds.Load())
	}
}

func TestRegistryGetUnsupported(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	_, err := r.Get(context.Background(), "nope")
	if err == nil || !strings.Contains(err.Error(), "unsupported pipeline") {
		t.Fatalf("expected unsupported error, got %v", err)
	}
	if r.IsSupported("nope") {
		t.Fatal("unregistered pipeline reported as supported")
	}
}

func TestRegistryGetPropagatesFactoryError(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	boom := errors.New("no store")
	r.Register("broken", func(ctx context.Context) (Worker, error) {
		return nil, boom
	})
	_, err := r.Get(context.Background(), "broken")
	if !errors.Is(err, boom) {
		t.Fatalf("expected factory error, got %v", err)
	}
}

func TestRegistrySupportedSorted(t *testing.T) {
	t.Parallel()
	env := testEnv(t)
	r := NewRegistry()
	for _, id := range []string{"zeta", "alpha", "mid"} {
		id := id
		r.Register(id, func(ctx context.Context) (Worker, error) {
			return newStubWorker(env, id), nil
		})
	}
	if got := r.Supported(); !reflect.DeepEqual(got, []string{"alpha", "mid", "zeta"}) {
		t.Fatalf("unexpected order %v", got)
	}
}

func TestRegistryInitializeAll(t *testing.T) {
	t.Parallel()
	env := testEnv(t)
	r := NewRegistry()
	workers := map[string]*stubWorker{}
	for _, id := range []string{"one", "two"} {
		id := id
		r.Register(id, func(ctx context.Context) (Worker, error) {
			w := newStubWorker(env, id)
			workers[id] = w
			return w, nil
		})
	}
	if err := r.InitializeAll(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	for id, w := range workers {
		if w.inits.Load() != 1 {
			t.Fatalf("pipeline %s initialized %d times, want 1", id, w.inits.Load())
		}
	}
}

func TestRegistryStartAllCoversLateWorkers(t *testing.T) {
	t.Parallel()
	env := testEnv(t)
	r := NewRegistry()
	r.Register("early", func(ctx context.Context) (Worker, error) {
		return newStubWorker(env, "early"), nil
	})
	r.Register("late", func(ctx context.Context) (Worker, error) {
		return newStubWorker(env, "late"), nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	early, err := r.Get(ctx, "early")
	if err != nil {
		t.Fatalf("get early: %v", err)
	}
	r.StartAll(ctx)

	// Built after StartAll: the registry must start its dispatch loop.
	late, err := r.Get(ctx, "late")
	if err != nil {
		t.Fatalf("get late: %v", err)
	}

	for _, w := range []Worker{early, late} {
		job, err := w.Trigger(ctx, nil)
		if err != nil {
			t.Fatalf("trigger %s: %v", w.PipelineID(), err)
		}
		deadline := time.Now().Add(5 * time.Second)
		for {
			got, ok := w.Scheduler().GetJob(job.ID)
			if !ok {
				t.Fatalf("job %s not found", job.ID)
			}
			if got.Status == db.StatusCompleted {
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("job %s never completed, status %s", job.ID, got.Status)
			}
			time.Sleep(5 * time.Millisecond)
		}
	}

	r.Shutdown(context.Background())
}
