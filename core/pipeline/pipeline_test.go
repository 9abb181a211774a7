package pipeline

import (
	"context"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/searchktools/blizzard/core/plugin"
)

type task struct {
	path    string
	status  int
	headers []string
	body    []byte
	owner   atomic.Int32
	touched atomic.Int32
}

func (t *task) Method() plugin.Method { return plugin.MethodGet }
func (t *task) VersionMajor() int { return 1 }
func (t *task) VersionMinor() int { return 1 }
func (t *task) KeepAlive() bool { return false }
func (t *task) Cache() bool { return false }
func (t *task) RemoteAddr() netip.Addr { return netip.Addr{} }
func (t *task) Path() string { return t.path }
func (t *task) Query() string { return "" }
func (t *task) Body() []byte { return nil }
func (t *task) Header(string) (string, bool) { return "", false }
func (t *task) HeaderCount() int { return 0 }
func (t *task) HeaderAt(int) (string, string) { return "", "" }
func (t *task) ServerTime() time.Time { return time.Time{} }
func (t *task) SetStatus(code int) { t.status = code }
func (t *task) SetKeepAlive(bool) {}
func (t *task) SetCache(bool) {}

func (t *task) Write(p []byte) (int, error) {
	t.body = append(t.body, p...)
	return len(p), nil
}

func (t *task) AddHeader(name, value string) error {
	t.headers = append(t.headers, name+": "+value)
	return nil
}

func (t *task) ResetResponse() {
	t.status = 0
	t.headers = nil
	t.body = nil
}

// funcPlugin adapts closures to plugin.Plugin.
type funcPlugin struct {
	plugin.Base
	easy func(plugin.Task) plugin.Status
	hard func(plugin.Task) plugin.Status
}

func (f *funcPlugin) Load(string) error { return nil }

func (f *funcPlugin) Easy(t plugin.Task) plugin.Status {
	if f.easy == nil {
		return plugin.OK
	}
	return f.easy(t)
}

func (f *funcPlugin) Hard(t plugin.Task) plugin.Status {
	if f.hard == nil {
		return plugin.OK
	}
	return f.hard(t)
}

type countingWaker struct{ n atomic.Int32 }

func (w *countingWaker) Wake() error {
	w.n.Add(1)
	return nil
}

type recordingObserver struct {
	mu  sync.Mutex
	max map[Tier]int
}

func (o *recordingObserver) QueueLen(tier Tier, n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.max == nil {
		o.max = make(map[Tier]int)
	}
	o.max[tier] = max(o.max[tier], n)
}

func startPipeline(t *testing.T, p *Pipeline[*task]) <-chan error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	finished := make(chan struct{})
	go func() {
		errc <- p.Run(ctx)
		close(finished)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-finished:
		case <-time.After(2 * time.Second):
		}
	})
	return errc
}

func waitDone(t *testing.T, p *Pipeline[*task], n int) []*task {
	t.Helper()
	var out []*task
	require.Eventually(t, func() bool {
		for {
			tk, ok := p.PopDone()
			if !ok {
				break
			}
			out = append(out, tk)
		}
		return len(out) >= n
	}, 2*time.Second, time.Millisecond)
	return out
}

func TestQueueAdmission(t *testing.T) {
	q := NewQueue[int](2)
	assert.True(t, q.Push(1))
	assert.True(t, q.Push(2))
	assert.False(t, q.Push(3))
	assert.Equal(t, 2, q.Len())

	assert.True(t, q.PushForce(3))
	assert.Equal(t, 3, q.Len())

	v, ok := q.TryPop()
	require.True(t, ok)
	assert.Equal(t, 1, v)
	assert.False(t, q.Push(4), "still at limit")
}

func TestQueueUnbounded(t *testing.T) {
	q := NewQueue[int](0)
	for i := range 1000 {
		require.True(t, q.Push(i))
	}
	for i := range 1000 {
		v, ok := q.TryPop()
		require.True(t, ok)
		require.Equal(t, i, v)
	}
	_, ok := q.TryPop()
	assert.False(t, ok)
}

func TestQueueFIFOAcrossWrap(t *testing.T) {
	q := NewQueue[int](0)
	next := 0
	for round := range 50 {
		for range round % 7 {
			q.Push(next)
			next++
		}
		for range round % 5 {
			q.TryPop()
		}
	}
	prev := -1
	for {
		v, ok := q.TryPop()
		if !ok {
			break
		}
		assert.Greater(t, v, prev)
		prev = v
	}
}

func TestQueuePopOrWait(t *testing.T) {
	q := NewQueue[string](0)
	got := make(chan string)
	go func() {
		v, ok := q.PopOrWait()
		if ok {
			got <- v
		}
		close(got)
	}()

	time.Sleep(10 * time.Millisecond)
	q.Push("x")
	assert.Equal(t, "x", <-got)
}

func TestQueueCloseWakesWaiters(t *testing.T) {
	q := NewQueue[int](0)
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok := q.PopOrWait()
			assert.False(t, ok)
		}()
	}
	time.Sleep(10 * time.Millisecond)
	q.Close()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("waiters not woken")
	}
	assert.False(t, q.Push(1))
}

func TestEasyOK(t *testing.T) {
	w := &countingWaker{}
	p := New[*task](&funcPlugin{easy: func(t plugin.Task) plugin.Status {
		t.SetStatus(200)
		_, _ = t.Write([]byte("hi"))
		return plugin.OK
	}}, Config{EasyThreads: 2}, w, nil)
	startPipeline(t, p)

	tk := &task{}
	require.True(t, p.Submit(tk))
	done := waitDone(t, p, 1)

	assert.Same(t, tk, done[0])
	assert.Equal(t, 200, tk.status)
	assert.Equal(t, "hi", string(tk.body))
	assert.Equal(t, int32(1), w.n.Load())
}

func TestEasyErrorBecomes503(t *testing.T) {
	p := New[*task](&funcPlugin{easy: func(t plugin.Task) plugin.Status {
		_, _ = t.Write([]byte("partial"))
		return plugin.Error
	}}, Config{EasyThreads: 1}, nil, nil)
	startPipeline(t, p)

	tk := &task{}
	p.Submit(tk)
	waitDone(t, p, 1)

	assert.Equal(t, 503, tk.status)
	assert.Equal(t, BodyEasyError, string(tk.body))
	assert.Equal(t, []string{"Content-type: text/plain"}, tk.headers)
}

func TestAgainGoesHard(t *testing.T) {
	var hardCalls atomic.Int32
	p := New[*task](&funcPlugin{
		easy: func(plugin.Task) plugin.Status { return plugin.Again },
		hard: func(t plugin.Task) plugin.Status {
			hardCalls.Add(1)
			t.SetStatus(200)
			return plugin.OK
		},
	}, Config{EasyThreads: 1, HardThreads: 1}, nil, nil)
	startPipeline(t, p)

	tk := &task{}
	p.Submit(tk)
	waitDone(t, p, 1)

	assert.Equal(t, 200, tk.status)
	assert.Equal(t, int32(1), hardCalls.Load())
}

func TestAgainWithoutHardThreads(t *testing.T) {
	var hardCalls atomic.Int32
	p := New[*task](&funcPlugin{
		easy: func(plugin.Task) plugin.Status { return plugin.Again },
		hard: func(plugin.Task) plugin.Status {
			hardCalls.Add(1)
			return plugin.OK
		},
	}, Config{EasyThreads: 1}, nil, nil)
	startPipeline(t, p)

	tk := &task{}
	p.Submit(tk)
	waitDone(t, p, 1)

	assert.Equal(t, 503, tk.status)
	assert.Equal(t, BodyEasyError, string(tk.body))
	assert.Zero(t, hardCalls.Load())
}

func TestHardAgainIsError(t *testing.T) {
	p := New[*task](&funcPlugin{
		easy: func(plugin.Task) plugin.Status { return plugin.Again },
		hard: func(plugin.Task) plugin.Status { return plugin.Again },
	}, Config{EasyThreads: 1, HardThreads: 1}, nil, nil)
	startPipeline(t, p)

	tk := &task{}
	p.Submit(tk)
	waitDone(t, p, 1)

	assert.Equal(t, 503, tk.status)
	assert.Equal(t, BodyHardError, string(tk.body))
}

func TestHardQueueFull(t *testing.T) {
	release := make(chan struct{})
	var entered sync.WaitGroup
	entered.Add(1)
	var once sync.Once

	p := New[*task](&funcPlugin{
		easy: func(plugin.Task) plugin.Status { return plugin.Again },
		hard: func(plugin.Task) plugin.Status {
			once.Do(entered.Done)
			<-release
			return plugin.OK
		},
	}, Config{EasyThreads: 1, HardThreads: 1, HardLimit: 1}, nil, nil)
	startPipeline(t, p)
	defer close(release)

	first, second, third := &task{}, &task{}, &task{}
	p.Submit(first)
	entered.Wait() // the only hard worker is now busy
	p.Submit(second)
	require.Eventually(t, func() bool {
		_, hard, _ := p.Lens()
		return hard == 1
	}, time.Second, time.Millisecond)
	p.Submit(third)

	done := waitDone(t, p, 1)
	assert.Same(t, third, done[0])
	assert.Equal(t, 503, third.status)
	assert.Equal(t, BodyHardQueueFull, string(third.body))
}

func TestEasyQueueFullRejectsAtSubmit(t *testing.T) {
	w := &countingWaker{}
	obs := &recordingObserver{}
	// No workers: nothing drains the easy queue.
	p := New[*task](&funcPlugin{}, Config{EasyLimit: 2}, w, obs)

	a, b, c := &task{}, &task{}, &task{}
	assert.True(t, p.Submit(a))
	assert.True(t, p.Submit(b))
	assert.False(t, p.Submit(c))

	easy, _, done := p.Lens()
	assert.Equal(t, 2, easy)
	assert.Equal(t, 1, done)
	assert.Equal(t, 503, c.status)
	assert.Equal(t, BodyEasyQueueFull, string(c.body))
	assert.Equal(t, int32(1), w.n.Load())

	obs.mu.Lock()
	assert.Equal(t, 2, obs.max[TierEasy])
	obs.mu.Unlock()
}

func TestPanicStopsPipeline(t *testing.T) {
	p := New[*task](&funcPlugin{easy: func(t plugin.Task) plugin.Status {
		if t.Path() == "/boom" {
			panic("plugin bug")
		}
		return plugin.OK
	}}, Config{EasyThreads: 3, HardThreads: 2}, nil, nil)
	errc := startPipeline(t, p)

	tk := &task{path: "/boom"}
	p.Submit(tk)

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrPluginPanic)
	case <-time.After(2 * time.Second):
		t.Fatal("pipeline kept running after a plugin panic")
	}
	assert.Equal(t, 503, tk.status)
	assert.False(t, p.Submit(&task{}), "closed pipeline refuses work")
}

func TestCancelStopsWorkers(t *testing.T) {
	p := New[*task](&funcPlugin{}, Config{EasyThreads: 4, HardThreads: 4}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- p.Run(ctx) }()

	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("workers did not stop")
	}
}

func TestAtMostOneOwner(t *testing.T) {
	const n = 2000
	var violations atomic.Int32
	check := func(pt plugin.Task) {
		tk := pt.(*task)
		if !tk.owner.CompareAndSwap(0, 1) {
			violations.Add(1)
		}
		tk.touched.Add(1)
		tk.owner.Store(0)
	}
	p := New[*task](&funcPlugin{
		easy: func(t plugin.Task) plugin.Status {
			check(t)
			if t.Path() == "/hard" {
				return plugin.Again
			}
			return plugin.OK
		},
		hard: func(t plugin.Task) plugin.Status {
			check(t)
			return plugin.OK
		},
	}, Config{EasyThreads: 8, HardThreads: 8}, nil, nil)
	startPipeline(t, p)

	tasks := make([]*task, n)
	for i := range tasks {
		tasks[i] = &task{path: "/easy"}
		if i%3 == 0 {
			tasks[i].path = "/hard"
		}
		p.Submit(tasks[i])
	}
	waitDone(t, p, n)

	assert.Zero(t, violations.Load())
	for _, tk := range tasks {
		want := int32(1)
		if tk.path == "/hard" {
			want = 2
		}
		assert.Equal(t, want, tk.touched.Load())
	}
}
