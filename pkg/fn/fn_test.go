package fn

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync/atomic"
	"testing"
	"time"
)

// --- Result ---

func TestOkAndErr(t *testing.T) {
	r := Ok(42)
	if !r.IsOk() || r.IsErr() || r.IsWarning() {
		t.Fatal("Ok should be ok")
	}
	if r.Status() != StatusSuccess || r.Message() != "" {
		t.Fatalf("status=%s msg=%q", r.Status(), r.Message())
	}
	v, err := r.Unwrap()
	if v != 42 || err != nil {
		t.Fatal("wrong unwrap")
	}

	e := Err[int](errors.New("fail"))
	if e.IsOk() || !e.IsErr() {
		t.Fatal("Err should be err")
	}
	if e.Status() != StatusError || e.Message() != "fail" {
		t.Fatalf("status=%s msg=%q", e.Status(), e.Message())
	}
}

func TestWarnCarriesPayload(t *testing.T) {
	r := Warn(3, "no images", Meta{"missing": []string{"imagery"}})
	if !r.IsOk() || !r.IsWarning() || r.IsErr() {
		t.Fatal("Warn should be ok and a warning")
	}
	v, err := r.Unwrap()
	if v != 3 || err != nil {
		t.Fatalf("unwrap = %d, %v", v, err)
	}
	if r.Message() != "no images" {
		t.Fatalf("msg = %q", r.Message())
	}
	if r.Error() != nil {
		t.Fatal("warning should have no error")
	}
}

func TestWarnDefaultsMessage(t *testing.T) {
	if Warn(1, "").Message() == "" {
		t.Fatal("warning must carry a message")
	}
}

func TestErrNilPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("Err(nil) should panic")
		}
	}()
	Err[int](nil)
}

func TestZeroResultIsError(t *testing.T) {
	var r Result[int]
	if r.IsOk() || r.Status() != StatusError || r.Error() == nil {
		t.Fatal("zero Result should read as an error")
	}
}

func TestErrf(t *testing.T) {
	r := Errf[string]("code %d", 404)
	_, err := r.Unwrap()
	if err == nil || err.Error() != "code 404" {
		t.Fatal("Errf wrong message")
	}
}

func TestErrKeepsWrappedError(t *testing.T) {
	sentinel := errors.New("sentinel")
	r := Err[int](errors.Join(sentinel, errors.New("other")))
	if !errors.Is(r.Error(), sentinel) {
		t.Fatal("errors.Is should see through Result")
	}
}

func TestMustPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("Must should panic on Err")
		}
	}()
	Err[int](errors.New("boom")).Must()
}

func TestMustOk(t *testing.T) {
	if Ok(7).Must() != 7 || Warn(8, "w").Must() != 8 {
		t.Fatal("Must should return value")
	}
}

func TestUnwrapOr(t *testing.T) {
	if Ok(1).UnwrapOr(9) != 1 {
		t.Fatal("should return value")
	}
	if Err[int](errors.New("x")).UnwrapOr(9) != 9 {
		t.Fatal("should return fallback")
	}
}

func TestWithMetaMergesWithoutAliasing(t *testing.T) {
	base := Ok(1, Meta{"a": 1})
	ext := base.WithMeta(Meta{"b": 2})
	if len(base.Meta()) != 1 {
		t.Fatal("WithMeta must not mutate the receiver")
	}
	if ext.Meta()["a"] != 1 || ext.Meta()["b"] != 2 {
		t.Fatalf("meta = %v", ext.Meta())
	}
	if ext.WithMeta(Meta{"a": "x"}).MetaString("a") != "x" {
		t.Fatal("later keys should win")
	}
}

func TestMetaStringMissing(t *testing.T) {
	if Ok(1).MetaString("stage") != "" {
		t.Fatal("missing key should be empty")
	}
}

func TestMapResult(t *testing.T) {
	r := MapResult(Ok(5), func(v int) string { return strconv.Itoa(v) })
	if r.Must() != "5" {
		t.Fatal("MapResult failed")
	}
	e := MapResult(Err[int](errors.New("x"), Meta{"stage": "s"}), func(v int) string { return "" })
	if !e.IsErr() || e.MetaString("stage") != "s" {
		t.Fatal("MapResult should keep error and meta")
	}
}

func TestForward(t *testing.T) {
	src := Err[int](errors.New("down"), Meta{"kind": "ModelError"})
	dst := Forward[string](src)
	if !dst.IsErr() || dst.Message() != "down" || dst.MetaString("kind") != "ModelError" {
		t.Fatal("Forward lost information")
	}
}

func TestForwardOkPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("Forward on Ok should panic")
		}
	}()
	Forward[string](Ok(1))
}

func TestFromPair(t *testing.T) {
	r := FromPair(strconv.Atoi("42"))
	if r.Must() != 42 {
		t.Fatal("FromPair failed")
	}
	e := FromPair(strconv.Atoi("nope"))
	if e.IsOk() {
		t.Fatal("FromPair should fail")
	}
}

func TestMarshalSuccess(t *testing.T) {
	b, err := json.Marshal(Ok(map[string]int{"n": 1}))
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"status":"success","data":{"n":1}}` {
		t.Fatalf("got %s", b)
	}
}

func TestMarshalError(t *testing.T) {
	b, err := json.Marshal(Err[int](errors.New("no such scene"), Meta{"stage": "Build Context"}))
	if err != nil {
		t.Fatal(err)
	}
	want := `{"status":"error","message":"no such scene","metadata":{"stage":"Build Context"}}`
	if string(b) != want {
		t.Fatalf("got %s", b)
	}
}

func TestJSONRoundTripWarning(t *testing.T) {
	b, err := json.Marshal(Warn("ctx", "missing imagery", Meta{"missing": "imagery"}))
	if err != nil {
		t.Fatal(err)
	}
	var r Result[string]
	if err := json.Unmarshal(b, &r); err != nil {
		t.Fatal(err)
	}
	if !r.IsWarning() || r.Must() != "ctx" || r.Message() != "missing imagery" || r.MetaString("missing") != "imagery" {
		t.Fatalf("round trip lost data: %+v", r)
	}
}

func TestUnmarshalErrorAndBadStatus(t *testing.T) {
	var r Result[int]
	if err := json.Unmarshal([]byte(`{"status":"error","message":"boom"}`), &r); err != nil {
		t.Fatal(err)
	}
	if !r.IsErr() || r.Error().Error() != "boom" {
		t.Fatal("error envelope not restored")
	}
	if err := json.Unmarshal([]byte(`{"status":"maybe"}`), &r); err == nil {
		t.Fatal("unknown status should fail")
	}
}

// --- Parallel ---

func TestParMapPreservesOrder(t *testing.T) {
	out := ParMap([]int{5, 4, 3, 2, 1}, 2, func(v int) int {
		time.Sleep(time.Duration(v) * time.Millisecond)
		return v * 10
	})
	for i, want := range []int{50, 40, 30, 20, 10} {
		if out[i] != want {
			t.Fatalf("out[%d] = %d", i, out[i])
		}
	}
}

func TestParMapBoundsWorkers(t *testing.T) {
	var cur, peak int32
	ParMap(make([]int, 20), 3, func(int) int {
		n := atomic.AddInt32(&cur, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		atomic.AddInt32(&cur, -1)
		return 0
	})
	if peak > 3 {
		t.Fatalf("peak concurrency %d > 3", peak)
	}
}

func TestParMapEmpty(t *testing.T) {
	if len(ParMap([]int{}, 0, func(v int) int { return v })) != 0 {
		t.Fatal("empty input should give empty output")
	}
}

func TestParMapResult(t *testing.T) {
	out := ParMapResult([]int{1, 2}, 0, func(v int) Result[int] {
		if v == 2 {
			return Err[int](errors.New("two"))
		}
		return Ok(v)
	})
	if !out[0].IsOk() || !out[1].IsErr() {
		t.Fatal("ParMapResult order or status wrong")
	}
}

func TestFanOut(t *testing.T) {
	out := FanOut(func() int { return 1 }, func() int { return 2 })
	if out[0] != 1 || out[1] != 2 {
		t.Fatal("FanOut failed")
	}
}

// --- Pipeline ---

func TestThen(t *testing.T) {
	parse := Stage[string, int](func(_ context.Context, s string) Result[int] {
		return FromPair(strconv.Atoi(s))
	})
	double := MapStage(func(v int) int { return v * 2 })
	p := Then(parse, double)
	if p(context.Background(), "21").Must() != 42 {
		t.Fatal("Then failed")
	}
	if p(context.Background(), "x").IsOk() {
		t.Fatal("Then should short-circuit")
	}
}

func TestThenKeepsWarning(t *testing.T) {
	first := Stage[int, int](func(_ context.Context, v int) Result[int] { return Warn(v, "partial") })
	p := Then(first, MapStage(func(v int) int { return v + 1 }))
	r := p(context.Background(), 1)
	if !r.IsWarning() || r.Must() != 2 {
		t.Fatal("warning should survive Then")
	}
}

func TestTracedStage(t *testing.T) {
	s := TracedStage("noop", MapStage(func(v int) int { return v }))
	if s(context.Background(), 3).Must() != 3 {
		t.Fatal("TracedStage should pass through")
	}
	f := TracedStage("fail", Stage[int, int](func(context.Context, int) Result[int] {
		return Errf[int]("bad")
	}))
	if f(context.Background(), 1).IsOk() {
		t.Fatal("TracedStage should keep the error")
	}
	w := TracedStage("warn", Stage[int, int](func(_ context.Context, v int) Result[int] {
		return Warn(v, "w")
	}))
	if !w(context.Background(), 1).IsWarning() {
		t.Fatal("TracedStage should keep the warning")
	}
}

// --- Retry ---

func TestRetrySucceedsEventually(t *testing.T) {
	calls := 0
	r := Retry(context.Background(), RetryOpts{MaxAttempts: 3, InitialWait: time.Millisecond}, func(context.Context) Result[int] {
		calls++
		if calls < 3 {
			return Errf[int]("try %d", calls)
		}
		return Ok(calls)
	})
	if r.Must() != 3 || calls != 3 {
		t.Fatalf("calls=%d", calls)
	}
}

func TestRetryExhausted(t *testing.T) {
	calls := 0
	r := Retry(context.Background(), RetryOpts{MaxAttempts: 2, InitialWait: time.Millisecond}, func(context.Context) Result[int] {
		calls++
		return Errf[int]("nope")
	})
	if r.IsOk() || calls != 2 {
		t.Fatalf("calls=%d", calls)
	}
	if r.Meta()["attempts"] != 2 {
		t.Fatalf("attempts meta = %v", r.Meta()["attempts"])
	}
}

func TestRetryShouldRetryStopsEarly(t *testing.T) {
	permanent := errors.New("permanent")
	calls := 0
	opts := RetryOpts{
		MaxAttempts: 5,
		InitialWait: time.Millisecond,
		ShouldRetry: func(err error) bool { return !errors.Is(err, permanent) },
	}
	r := Retry(context.Background(), opts, func(context.Context) Result[int] {
		calls++
		return Err[int](permanent)
	})
	if r.IsOk() || calls != 1 {
		t.Fatalf("calls=%d, want 1", calls)
	}
}

func TestNoRetryRunsOnce(t *testing.T) {
	calls := 0
	Retry(context.Background(), NoRetry, func(context.Context) Result[int] {
		calls++
		return Errf[int]("x")
	})
	if calls != 1 {
		t.Fatalf("calls=%d", calls)
	}
}

func TestRetryContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := Retry(ctx, RetryOpts{MaxAttempts: 3, InitialWait: time.Second}, func(context.Context) Result[int] {
		return Errf[int]("x")
	})
	if !errors.Is(r.Error(), context.Canceled) {
		t.Fatalf("err = %v", r.Error())
	}
}

