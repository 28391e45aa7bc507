package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestFuture_ResolvesOnce(t *testing.T) {
	f := newFuture[int]()
	f.complete(1)
	f.complete(2)
	f.fail(errors.New("late"))

	v, err := f.Get(context.Background())
	if err != nil || v != 1 {
		t.Fatalf("Get = (%d, %v), want (1, nil)", v, err)
	}
}

func TestFuture_FailWins(t *testing.T) {
	f := newFuture[int]()
	boom := errors.New("boom")
	f.fail(boom)
	f.complete(1)

	if _, err := f.Get(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("error = %v, want %v", err, boom)
	}
}

func TestFuture_ErrNilWhilePending(t *testing.T) {
	f := newFuture[int]()
	if err := f.Err(); err != nil {
		t.Fatalf("pending Err = %v, want nil", err)
	}
	boom := errors.New("boom")
	f.fail(boom)
	if err := f.Err(); !errors.Is(err, boom) {
		t.Fatalf("Err = %v, want %v", err, boom)
	}
}

func TestFuture_GetHonorsContext(t *testing.T) {
	f := newFuture[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := f.Get(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want deadline exceeded", err)
	}
}
