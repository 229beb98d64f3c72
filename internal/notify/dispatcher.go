package notify

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"erpid.org/internal/obs"
)

const DefaultTimeout = 10 * time.Second

// Dispatcher bounds every send by a timeout and records the outcome. Async
// sends are tracked so shutdown can drain them.
type Dispatcher struct {
	sender  Sender
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewDispatcher(sender Sender, timeout time.Duration) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Dispatcher{sender: sender, timeout: timeout}
}

// Send delivers msg synchronously within the dispatcher timeout.
func (d *Dispatcher) Send(ctx context.Context, kind string, msg Message) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	id, err := d.sender.Send(ctx, msg)
	log := obs.Logger().WithFields(logrus.Fields{"kind": kind, "to": msg.To})
	if err != nil {
		log.WithError(err).Warn("notification delivery failed")
		obs.ObserveNotification(kind, "failed")
		return "", err
	}
	log.WithField("delivery_id", id).Info("notification sent")
	obs.ObserveNotification(kind, "sent")
	return id, nil
}

// Dispatch sends msg in the background, detached from the caller's
// cancellation but still bounded by the dispatcher timeout.
func (d *Dispatcher) Dispatch(ctx context.Context, kind string, msg Message) {
	ctx = context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		_, _ = d.Send(ctx, kind, msg)
	}()
}

// Wait blocks until in-flight dispatches finish or ctx ends.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
