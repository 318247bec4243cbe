package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFiltersByTask(t *testing.T) {
	b := NewBroker(nil)
	all := b.Subscribe(context.Background(), "")
	one := b.Subscribe(context.Background(), "t1")

	b.Publish(&Event{TaskID: "t2", Phase: PhaseLaunch})
	b.Publish(&Event{TaskID: "t1", Phase: PhaseDone})

	require.Len(t, all.Ch, 2)
	require.Len(t, one.Ch, 1)
	e := <-one.Ch
	assert.Equal(t, PhaseDone, e.Phase)
	assert.True(t, e.Terminal())
	assert.False(t, e.Time.IsZero())
}

func TestPublishDropsWhenFull(t *testing.T) {
	b := NewBroker(nil)
	sub := b.Subscribe(context.Background(), "t")

	for i := 0; i < cap(sub.Ch)+10; i++ {
		b.Publish(&Event{TaskID: "t", Percent: i})
	}
	assert.Len(t, sub.Ch, cap(sub.Ch))
}

func TestUnsubscribeOnContextDone(t *testing.T) {
	b := NewBroker(nil)
	ctx, cancel := context.WithCancel(context.Background())
	sub := b.Subscribe(ctx, "")
	require.Equal(t, 1, b.SubscriberCount())

	cancel()
	require.Eventually(t, func() bool { return b.SubscriberCount() == 0 }, time.Second, 10*time.Millisecond)

	_, open := <-sub.Ch
	assert.False(t, open)

	b.Unsubscribe(sub)
}

func TestReporter(t *testing.T) {
	var nilReporter Reporter
	nilReporter.Report(PhaseWait, 10, "ignored")

	b := NewBroker(nil)
	sub := b.Subscribe(context.Background(), "task")
	b.ReporterFor("task", "n1", "start").Report(PhaseWait, 50, "waiting for port")

	e := <-sub.Ch
	assert.Equal(t, "n1", e.Node)
	assert.Equal(t, "start", e.Operation)
	assert.Equal(t, 50, e.Percent)
}
