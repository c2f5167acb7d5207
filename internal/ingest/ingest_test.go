package ingest

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"
)

func TestRegistryRegisterAndGet(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	src, err := r.Register("test-stream", FormatMPEGTS)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if src.Key != "test-stream" {
		t.Fatalf("got key %q, want %q", src.Key, "test-stream")
	}
	if src.Format != FormatMPEGTS {
		t.Fatalf("got format %v, want %v", src.Format, FormatMPEGTS)
	}
	if src.Input() == nil {
		t.Fatal("TS source has no input")
	}

	got, ok := r.Get("test-stream")
	if !ok {
		t.Fatal("Get returned false for registered stream")
	}
	if got != src {
		t.Fatal("Get returned different source pointer")
	}
	if r.Len() != 1 {
		t.Errorf("Len = %d, want 1", r.Len())
	}
}

func TestRegistryDuplicateKey(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	if _, err := r.Register("k", FormatMPEGTS); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Register("k", FormatMPEGTS); !errors.Is(err, ErrKeyInUse) {
		t.Fatalf("second Register: got %v, want ErrKeyInUse", err)
	}
	if _, err := r.Open("k"); !errors.Is(err, ErrKeyInUse) {
		t.Fatalf("Open on a TS key: got %v, want ErrKeyInUse", err)
	}
}

func TestRegistryOpenReuses(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	a, err := r.Open("http")
	if err != nil {
		t.Fatal(err)
	}
	b, err := r.Open("http")
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatal("Open created a second source for the same key")
	}
	if a.Input() != nil {
		t.Error("frame source has a byte input")
	}
	if _, err := a.Write([]byte{1}); !errors.Is(err, ErrWrongFormat) {
		t.Errorf("Write on frame source: got %v, want ErrWrongFormat", err)
	}
}

func TestRegistryGetMissing(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	if _, ok := r.Get("nonexistent"); ok {
		t.Fatal("Get returned true for missing stream")
	}
}

func TestRegistryUnregister(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	src, _ := r.Register("stream1", FormatMPEGTS)

	if !r.Unregister("stream1") {
		t.Fatal("Unregister returned false")
	}
	if _, ok := r.Get("stream1"); ok {
		t.Fatal("stream still found after Unregister")
	}
	select {
	case <-src.Done():
	default:
		t.Fatal("Done not closed")
	}
	if r.Unregister("stream1") {
		t.Error("second Unregister returned true")
	}
}

func TestRegistryUnregisterClosesPipe(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	src, _ := r.Register("stream1", FormatMPEGTS)
	r.Unregister("stream1")

	buf := make([]byte, 1)
	if _, err := src.Input().Read(buf); err != io.EOF {
		t.Fatalf("expected EOF after Unregister, got %v", err)
	}
	if _, err := src.Write([]byte{1}); err == nil {
		t.Fatal("Write succeeded after Unregister")
	}
}

func TestRegistryCallback(t *testing.T) {
	t.Parallel()

	got := make(chan *Source, 1)
	r := NewRegistry(func(s *Source) { got <- s })
	src, _ := r.Register("cb", FormatMPEGTS)

	select {
	case s := <-got:
		if s != src {
			t.Fatal("callback got a different source")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("callback not invoked")
	}
}

func TestSourceWriteCounts(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	src, _ := r.Register("w", FormatMPEGTS)
	src.SetRemoteAddr("10.0.0.1:5000")

	go io.Copy(io.Discard, src.Input())
	for range 3 {
		if _, err := src.Write(make([]byte, 188)); err != nil {
			t.Fatal(err)
		}
	}

	st := src.Stats()
	if st.BytesReceived != 3*188 || st.ReadCount != 3 {
		t.Errorf("got %d bytes in %d reads, want 564 in 3", st.BytesReceived, st.ReadCount)
	}
	if st.RemoteAddr != "10.0.0.1:5000" {
		t.Errorf("RemoteAddr = %q", st.RemoteAddr)
	}
	r.Unregister("w")
}

func TestPushFrameResult(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	src, _ := r.Open("f")
	boom := errors.New("bad frame")

	go func() {
		for f := range src.Frames() {
			if len(f.Data) == 0 {
				f.Done(boom)
				continue
			}
			f.Done(nil)
		}
	}()

	ctx := context.Background()
	if err := src.PushFrame(ctx, []byte{1, 2, 3}, 4); err != nil {
		t.Fatalf("PushFrame: %v", err)
	}
	if err := src.PushFrame(ctx, nil, 0); !errors.Is(err, boom) {
		t.Fatalf("got %v, want %v", err, boom)
	}
	if st := src.Stats(); st.ReadCount != 2 || st.BytesReceived != 3 {
		t.Errorf("stats = %+v", st)
	}
}

func TestPushFrameCancelled(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	src, _ := r.Open("stuck")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	// Nobody consumes: the push waits for a result until the deadline.
	if err := src.PushFrame(ctx, []byte{1}, 0); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want DeadlineExceeded", err)
	}

	src2, _ := r.Register("ts", FormatMPEGTS)
	if err := src2.PushFrame(context.Background(), []byte{1}, 0); !errors.Is(err, ErrWrongFormat) {
		t.Fatalf("got %v, want ErrWrongFormat", err)
	}
}

func TestRegistryConcurrentOpen(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	var wg sync.WaitGroup
	srcs := make([]*Source, 16)
	for i := range srcs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := r.Open("shared")
			if err != nil {
				t.Error(err)
				return
			}
			srcs[i] = s
		}()
	}
	wg.Wait()

	for _, s := range srcs[1:] {
		if s != srcs[0] {
			t.Fatal("concurrent Open returned distinct sources")
		}
	}
}

func TestInputFormatString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		f    InputFormat
		want string
	}{
		{FormatMPEGTS, "mpegts"},
		{FormatAccessUnits, "access-units"},
		{InputFormat(9), "format(9)"},
	}
	for _, tt := range tests {
		if got := tt.f.String(); got != tt.want {
			t.Errorf("%d.String() = %q, want %q", int(tt.f), got, tt.want)
		}
	}
}

func TestRegistryRemoveOnlyOwnSource(t *testing.T) {
	t.Parallel()

	r := NewRegistry(nil)
	old, _ := r.Register("k", FormatMPEGTS)
	r.Unregister("k")
	cur, _ := r.Register("k", FormatMPEGTS)

	if r.Remove(old) {
		t.Fatal("Remove of a stale source succeeded")
	}
	if got, ok := r.Get("k"); !ok || got != cur {
		t.Fatal("stale Remove dropped the current source")
	}
	if !r.Remove(cur) {
		t.Fatal("Remove of the current source failed")
	}
	if r.Len() != 0 {
		t.Errorf("Len = %d, want 0", r.Len())
	}
}
