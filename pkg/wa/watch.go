package wa

import (
	"context"
	"sync"
)

// updateWatch waits for the first connection update matching a predicate.
// It registers its handler when created, so no update delivered after
// watchConnectionUpdates returns can be missed.
type updateWatch struct {
	t    Transport
	id   uint32
	ch   chan ConnectionUpdate
	once sync.Once
}

func watchConnectionUpdates(t Transport, pred func(ConnectionUpdate) bool) *updateWatch {
	w := &updateWatch{t: t, ch: make(chan ConnectionUpdate, 1)}
	w.id = t.AddEventHandler(func(evt interface{}) {
		upd, ok := evt.(*ConnectionUpdate)
		if !ok || upd == nil || !pred(*upd) {
			return
		}
		select {
		case w.ch <- *upd:
		default:
		}
	})
	return w
}

// Wait blocks until a matching update arrives or ctx ends. The handler is
// removed before Wait returns.
func (w *updateWatch) Wait(ctx context.Context) (ConnectionUpdate, error) {
	defer w.Close()
	select {
	case upd := <-w.ch:
		return upd, nil
	case <-ctx.Done():
		return ConnectionUpdate{}, ctx.Err()
	}
}

func (w *updateWatch) Close() {
	w.once.Do(func() {
		w.t.RemoveEventHandler(w.id)
	})
}

// WaitForConnectionUpdate blocks until t delivers a connection update that
// satisfies pred.
func WaitForConnectionUpdate(ctx context.Context, t Transport, pred func(ConnectionUpdate) bool) (ConnectionUpdate, error) {
	return watchConnectionUpdates(t, pred).Wait(ctx)
}
