package events_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dharsanguruparan/vaultgate/internal/events"
	"github.com/dharsanguruparan/vaultgate/internal/logging"
	"github.com/dharsanguruparan/vaultgate/internal/testutil"
)

func record(order *[]string, tag string) events.ListenerFunc {
	return func(context.Context, *events.Event) error {
		*order = append(*order, tag)
		return nil
	}
}

func TestDispatchPriorityOrder(t *testing.T) {
	d := events.NewDispatcher(nil)
	var order []string
	d.AddListener(events.AfterUpload, record(&order, "low"), -5)
	d.AddListener(events.AfterUpload, record(&order, "first-zero"), 0)
	d.AddListener(events.AfterUpload, record(&order, "high"), 10)
	d.AddListener(events.AfterUpload, record(&order, "second-zero"), 0)

	ev, err := d.Dispatch(context.Background(), events.New(events.AfterUpload, nil))
	require.NoError(t, err)
	assert.Equal(t, events.AfterUpload, ev.Name)
	assert.Equal(t, []string{"high", "first-zero", "second-zero", "low"}, order)
}

func TestDispatchStopPropagation(t *testing.T) {
	d := events.NewDispatcher(nil)
	var order []string
	d.AddListener(events.BeforeUpload, record(&order, "a"), 2)
	d.AddListener(events.BeforeUpload, func(_ context.Context, ev *events.Event) error {
		order = append(order, "stopper")
		ev.StopPropagation()
		return nil
	}, 1)
	d.AddListener(events.BeforeUpload, record(&order, "never"), 0)

	ev, err := d.Dispatch(context.Background(), events.New(events.BeforeUpload, nil))
	require.NoError(t, err)
	assert.True(t, ev.IsPropagationStopped())
	assert.Equal(t, []string{"a", "stopper"}, order)
}

func TestDispatchErrorAbortsAndPropagates(t *testing.T) {
	logger := logging.NewTestLogger()
	d := events.NewDispatcher(logger)
	boom := errors.New("boom")
	var order []string
	d.AddListener(events.AfterScan, func(context.Context, *events.Event) error { return boom }, 1)
	d.AddListener(events.AfterScan, record(&order, "never"), 0)

	_, err := d.Dispatch(context.Background(), events.New(events.AfterScan, nil))
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, order)
	assert.Contains(t, logger.GetOutput(), "event listener failed")
}

func TestDispatchWithoutListeners(t *testing.T) {
	d := events.NewDispatcher(nil)
	assert.False(t, d.HasListeners(events.AfterDelete))
	ev, err := d.Dispatch(context.Background(), events.New(events.AfterDelete, nil).With("path", "x"))
	require.NoError(t, err)
	assert.Equal(t, "x", ev.Get("path"))

	d.AddListener(events.AfterDelete, record(new([]string), "x"), 0)
	assert.True(t, d.HasListeners(events.AfterDelete))
	d.RemoveListeners(events.AfterDelete)
	assert.False(t, d.HasListeners(events.AfterDelete))
}

type auditSubscriber struct{ seen []string }

func (a *auditSubscriber) Subscribe(d *events.Dispatcher) {
	for _, name := range []string{events.AfterUpload, events.UploadFailed} {
		d.AddListener(name, func(_ context.Context, ev *events.Event) error {
			a.seen = append(a.seen, ev.Name)
			return nil
		}, 0)
	}
}

func TestSubscriber(t *testing.T) {
	d := events.NewDispatcher(nil)
	a := &auditSubscriber{}
	d.AddSubscriber(a)
	_, _ = d.Dispatch(context.Background(), events.New(events.UploadFailed, nil))
	assert.Equal(t, []string{events.UploadFailed}, a.seen)
}

func TestMirrorPublishesRecords(t *testing.T) {
	d := events.NewDispatcher(nil)
	m := events.NewMirror(nil)
	m.Attach(d)

	var got []events.Record
	require.NoError(t, m.Bus().Subscribe(events.AfterUpload, func(r events.Record) { got = append(got, r) }))

	var order []string
	d.AddListener(events.AfterUpload, record(&order, "regular"), -100)

	h := testutil.Handle(t, "a.txt", []byte("hello"))
	_, err := d.Dispatch(context.Background(), events.New(events.AfterUpload, h).With("stored_path", "up/x.txt"))
	require.NoError(t, err)

	require.Len(t, got, 1)
	assert.Equal(t, "a.txt", got[0].Filename)
	assert.Equal(t, int64(5), got[0].Size)
	assert.Equal(t, "up/x.txt", got[0].Data["stored_path"])
	assert.Equal(t, []string{"regular"}, order, "mirror runs after regular listeners")
}

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func TestKafkaPublisher(t *testing.T) {
	w := &fakeWriter{}
	d := events.NewDispatcher(nil)
	events.NewKafkaPublisher(w, nil).Attach(d, events.AfterUpload)

	h := testutil.Handle(t, "a.txt", []byte("hello"))
	_, err := d.Dispatch(context.Background(), events.New(events.AfterUpload, h).With("stored_path", "up/x.txt"))
	require.NoError(t, err)

	require.Len(t, w.msgs, 1)
	msg := w.msgs[0]
	assert.Equal(t, "up/x.txt", string(msg.Key))
	assert.Equal(t, "event", msg.Headers[0].Key)
	assert.Equal(t, events.AfterUpload, string(msg.Headers[0].Value))

	var rec events.Record
	require.NoError(t, json.Unmarshal(msg.Value, &rec))
	assert.Equal(t, events.AfterUpload, rec.Name)
	assert.Equal(t, "a.txt", rec.Filename)
}

func TestKafkaPublisherSwallowsBrokerErrors(t *testing.T) {
	logger := logging.NewTestLogger()
	w := &fakeWriter{err: errors.New("broker down")}
	p := events.NewKafkaPublisher(w, logger)

	err := p.Handle(context.Background(), events.New(events.AfterUpload, nil))
	assert.NoError(t, err)
	assert.Contains(t, logger.GetOutput(), "broker down")
}

func TestNewKafkaWriterDefaults(t *testing.T) {
	w := events.NewKafkaWriter([]string{"localhost:9092"}, "")
	assert.Equal(t, events.DefaultTopic, w.Topic)
}
