package store

import (
	"context"
	"fmt"
	"testing"

	"github.com/rendis/procflow/pkg/schema"
)

func newBenchStore(b *testing.B) (*LibSQLStore, *EventLog) {
	b.Helper()
	dir := b.TempDir()
	s, err := NewLibSQLStore("file:" + dir + "/bench.db")
	if err != nil {
		b.Fatal(err)
	}
	if err := s.Migrate(context.Background()); err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { _ = s.Close() })
	return s, NewEventLog(s)
}

func BenchmarkEventAppend_Sequential(b *testing.B) {
	s, _ := newBenchStore(b)
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		err := s.WithTx(ctx, func(tx Tx) error {
			return tx.AppendEvent(ctx, &Event{ProcessInstanceID: "bench", Type: schema.EventVariablesUpdated})
		})
		if err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkReplay(b *testing.B) {
	for _, n := range []int{100, 1000} {
		b.Run(fmt.Sprintf("events=%d", n), func(b *testing.B) {
			s, el := newBenchStore(b)
			ctx := context.Background()
			err := s.WithTx(ctx, func(tx Tx) error {
				for i := 0; i < n; i++ {
					if err := tx.AppendEvent(ctx, &Event{
						ProcessInstanceID:  "bench",
						ActivityInstanceID: fmt.Sprintf("ai-%d", i%10),
						Type:               schema.EventActivityStarted,
					}); err != nil {
						return err
					}
				}
				return nil
			})
			if err != nil {
				b.Fatal(err)
			}

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if _, err := el.ReplayEvents(ctx, "bench"); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}
