package status

import (
	"fmt"
	"testing"
	"time"
)

func BenchmarkApply(b *testing.B) {
	ft := &fakeTimers{}
	s := NewStore(
		WithClock(func() time.Time { return testNow }),
		WithScheduler(NewScheduler(ft.afterFunc)),
	)
	gen := s.Generation()

	pubkeys := make([]string, 500)
	for i := range pubkeys {
		pubkeys[i] = fmt.Sprintf("%064x", i)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		pk := pubkeys[i%len(pubkeys)]
		s.Apply(gen, statusEvent(pk, "general", "working", testNow.Unix()-int64(b.N)+int64(i), expiresIn(time.Hour)))
	}
}

func BenchmarkPubkeysByLastUpdate(b *testing.B) {
	ft := &fakeTimers{}
	s := NewStore(
		WithClock(func() time.Time { return testNow }),
		WithScheduler(NewScheduler(ft.afterFunc)),
	)
	gen := s.Generation()
	for i := 0; i < 2000; i++ {
		s.Apply(gen, statusEvent(fmt.Sprintf("%064x", i), "general", "hi", testNow.Unix()-int64(i%60)))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s.PubkeysByLastUpdate()
	}
}
