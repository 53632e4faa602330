package progress

import (
	"context"
	"fmt"
	"time"
)

type sinkFunc func(context.Context, []Event) error

func (f sinkFunc) Consume(ctx context.Context, batch []Event) error { return f(ctx, batch) }

func (sinkFunc) Close(context.Context) error { return nil }

// ExampleHub_Emit totals crawled pages from finished tasks.
func ExampleHub_Emit() {
	pages := 0
	hub := NewHub(Config{MaxBatchEvents: 1}, sinkFunc(func(_ context.Context, batch []Event) error {
		for _, evt := range batch {
			pages += evt.Pages
		}
		return nil
	}))

	hub.Emit(Event{TaskID: "t1", TS: time.Unix(0, 0), Stage: StageTaskDone, Pages: 3})
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	fmt.Printf("pages crawled: %d\n", pages)
	// Output:
	// pages crawled: 3
}
