package fn

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"
	"testing"
	"time"
)

func TestResult(t *testing.T) {
	ok := Ok(42)
	if !ok.IsOk() || ok.IsErr() {
		t.Fatal("Ok should be ok")
	}
	if v, err := ok.Unwrap(); v != 42 || err != nil {
		t.Errorf("Unwrap = %d, %v", v, err)
	}

	boom := errors.New("boom")
	bad := Err[int](boom)
	if bad.IsOk() {
		t.Fatal("Err should not be ok")
	}
	if !errors.Is(bad.Error(), boom) {
		t.Errorf("Error() = %v", bad.Error())
	}

	wrapped := Errf[int]("stage: %w", boom)
	if !errors.Is(wrapped.Error(), boom) {
		t.Error("Errf should wrap with %w")
	}
}

func TestMapResult(t *testing.T) {
	s := MapResult(Ok(12), func(n int) string { return strconv.Itoa(n * 2) })
	if v, _ := s.Unwrap(); v != "24" {
		t.Errorf("MapResult = %q", v)
	}
	boom := errors.New("boom")
	bad := MapResult(Err[int](boom), func(n int) string { return "" })
	if bad.IsOk() || !errors.Is(bad.Error(), boom) {
		t.Error("MapResult should propagate error")
	}
}

func TestPartition(t *testing.T) {
	e := errors.New("e")
	vals, errs := Partition([]Result[int]{Ok(1), Err[int](e), Ok(3)})
	if len(vals) != 2 || vals[0] != 1 || vals[1] != 3 {
		t.Errorf("vals = %v", vals)
	}
	if len(errs) != 1 || errs[0] != e {
		t.Errorf("errs = %v", errs)
	}
}

func TestThenShortCircuits(t *testing.T) {
	called := false
	first := Stage[int, int](func(_ context.Context, n int) Result[int] { return Errf[int]("fail at %d", n) })
	second := Stage[int, string](func(_ context.Context, n int) Result[string] {
		called = true
		return Ok("x")
	})
	r := Then(first, second)(context.Background(), 1)
	if r.IsOk() || called {
		t.Error("second stage should not run after failure")
	}
}

func TestPipeline(t *testing.T) {
	inc := Stage[int, int](func(_ context.Context, n int) Result[int] { return Ok(n + 1) })
	fail := Stage[int, int](func(_ context.Context, n int) Result[int] { return Errf[int]("stop") })
	if v, _ := Pipeline(inc, inc, inc)(context.Background(), 0).Unwrap(); v != 3 {
		t.Errorf("Pipeline = %d", v)
	}
	if Pipeline(inc, fail, inc)(context.Background(), 0).IsOk() {
		t.Error("Pipeline should stop on error")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := Pipeline(inc)(ctx, 0)
	if !errors.Is(r.Error(), context.Canceled) {
		t.Errorf("cancelled pipeline error = %v", r.Error())
	}
}

func TestTracedStageAndTap(t *testing.T) {
	var seen int
	stage := TracedStage("double", Stage[int, int](func(_ context.Context, n int) Result[int] { return Ok(n * 2) }))
	tap := TapStage(func(_ context.Context, n int) { seen = n })
	v, err := Then(stage, tap)(context.Background(), 4).Unwrap()
	if err != nil || v != 8 || seen != 8 {
		t.Errorf("got v=%d seen=%d err=%v", v, seen, err)
	}
	failing := TracedStage("fail", Stage[int, int](func(_ context.Context, n int) Result[int] { return Errf[int]("nope") }))
	if failing(context.Background(), 1).IsOk() {
		t.Error("traced failing stage should fail")
	}
}

func TestParMapResult(t *testing.T) {
	var inFlight, peak int32
	items := []int{1, 2, 3, 4, 5, 6}
	out := ParMapResult(items, 2, func(n int) Result[int] {
		cur := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if cur <= p || atomic.CompareAndSwapInt32(&peak, p, cur) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		if n == 3 {
			return Errf[int]("bad %d", n)
		}
		return Ok(n * 10)
	})
	if len(out) != len(items) {
		t.Fatalf("len = %d", len(out))
	}
	for i, r := range out {
		if items[i] == 3 {
			if r.IsOk() {
				t.Error("item 3 should fail")
			}
			continue
		}
		if v, _ := r.Unwrap(); v != items[i]*10 {
			t.Errorf("out[%d] = %d", i, v)
		}
	}
	if peak > 2 {
		t.Errorf("peak concurrency %d exceeds 2", peak)
	}
	if len(ParMapResult([]int{}, 4, func(int) Result[int] { return Ok(0) })) != 0 {
		t.Error("empty input should give empty output")
	}
}
