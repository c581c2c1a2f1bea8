package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/rs/zerolog"
)

func TestNextTickAligned(t *testing.T) {
	s := New(Options{Interval: 6 * time.Hour, AlignToStart: true}, zerolog.Nop())

	now := time.Date(2024, 3, 1, 7, 30, 0, 0, time.UTC)
	if got, want := s.nextTick(now), time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("next tick = %s, want %s", got, want)
	}

	onBoundary := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	if got := s.nextTick(onBoundary); !got.Equal(onBoundary.Add(6 * time.Hour)) {
		t.Fatalf("boundary should roll forward, got %s", got)
	}
}

func TestNextTickUnaligned(t *testing.T) {
	s := New(Options{Interval: time.Hour}, zerolog.Nop())
	if s.Interval() != time.Hour {
		t.Fatalf("interval = %s", s.Interval())
	}
	now := time.Date(2024, 3, 1, 7, 30, 0, 0, time.UTC)
	if got := s.nextTick(now); !got.Equal(now.Add(time.Hour)) {
		t.Fatalf("next tick = %s", got)
	}
	if got := s.bucketStart(now); !got.Equal(now) {
		t.Fatalf("unaligned bucket should be the tick time, got %s", got)
	}
}

func TestRunAtStartAndCancel(t *testing.T) {
	s := New(Options{Interval: time.Hour, RunAtStart: true}, zerolog.Nop())

	var ticks atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, func(ctx context.Context, bucket time.Time) error {
			ticks.Add(1)
			cancel()
			return nil
		})
	}()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("Run should return context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("调度器未在取消后退出")
	}
	if ticks.Load() != 1 {
		t.Fatalf("ticks = %d, want 1", ticks.Load())
	}
}

func TestCronNext(t *testing.T) {
	c, err := NewCron("0 9 * * *", "Asia/Kolkata", zerolog.Nop())
	if err != nil {
		t.Fatalf("new cron: %v", err)
	}
	// 02:00 UTC is 07:30 IST, so the next run is 09:00 IST the same day
	got := c.Next(time.Date(2024, 3, 1, 2, 0, 0, 0, time.UTC))
	want := time.Date(2024, 3, 1, 3, 30, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("next = %s, want %s", got.UTC(), want)
	}

	if _, err := NewCron("not a cron", "UTC", zerolog.Nop()); err == nil {
		t.Fatal("invalid expression should fail")
	}
	if _, err := NewCron("0 9 * * *", "Mars/Olympus", zerolog.Nop()); err == nil {
		t.Fatal("invalid timezone should fail")
	}
}
