package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypeUnmarshal(t *testing.T) {
	for _, valid := range []string{"created", "updated", "deleted", "attached", "detached"} {
		var eventType Type
		err := json.Unmarshal([]byte(`"`+valid+`"`), &eventType)
		assert.NoError(t, err)
		assert.Equal(t, Type(valid), eventType)
	}
	for _, invalid := range []string{`"CREATED"`, `"destroyed"`, `""`, `42`} {
		var eventType Type
		err := json.Unmarshal([]byte(invalid), &eventType)
		assert.Error(t, err, invalid)
	}
}

type recordingPublisher struct {
	mu        sync.Mutex
	published []publishedMessage
	fail      bool
}

type publishedMessage struct {
	topic   string
	key     string
	payload []byte
}

func (p *recordingPublisher) Publish(_ context.Context, topic, key string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return errors.New("broker unavailable")
	}
	p.published = append(p.published, publishedMessage{topic: topic, key: key, payload: payload})
	return nil
}

func (p *recordingPublisher) messages() []publishedMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]publishedMessage{}, p.published...)
}

func TestNotifierFansOut(t *testing.T) {
	first := &recordingPublisher{}
	second := &recordingPublisher{}
	notifier := NewNotifier(first, second)

	nodeID := uuid.New()
	notifier.Notify(context.Background(), TopicNodeEvents, nodeID.String(), NodeEvent{
		EventType:       TypeCreated,
		NodeID:          nodeID,
		FirmwareVersion: "1.0.0",
		Timestamp:       time.Now().UTC(),
	})

	require.Eventually(t, func() bool {
		return len(first.messages()) == 1 && len(second.messages()) == 1
	}, time.Second, 10*time.Millisecond)

	message := first.messages()[0]
	assert.Equal(t, TopicNodeEvents, message.topic)
	assert.Equal(t, nodeID.String(), message.key)

	var event NodeEvent
	require.NoError(t, json.Unmarshal(message.payload, &event))
	assert.Equal(t, TypeCreated, event.EventType)
	assert.Equal(t, nodeID, event.NodeID)
	assert.Equal(t, "1.0.0", event.FirmwareVersion)
}

func TestNotifierSurvivesFailingPublisher(t *testing.T) {
	failing := &recordingPublisher{fail: true}
	working := &recordingPublisher{}
	notifier := NewNotifier(failing, working)

	notifier.Notify(context.Background(), TopicSensorEvents, "key", SensorEvent{
		EventType: TypeUpdated,
		SensorID:  uuid.New(),
		Timestamp: time.Now().UTC(),
	})

	require.Eventually(t, func() bool {
		return len(working.messages()) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestNilNotifierIsValid(t *testing.T) {
	var notifier *Notifier
	notifier.Notify(context.Background(), TopicNodeEvents, "key", NodeEvent{})

	notifier = NewNotifier()
	notifier.Notify(context.Background(), TopicNodeEvents, "key", NodeEvent{})
}

func TestConsumerDispatch(t *testing.T) {
	consumer := &Consumer{handlers: make(map[Type]HandlerFunc)}

	var handled []Type
	consumer.Handle(TypeCreated, func(_ context.Context, payload []byte) error {
		var event SensorEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			return err
		}
		handled = append(handled, event.EventType)
		return nil
	})

	sensorID := uuid.New()
	payload, err := json.Marshal(SensorEvent{
		EventType: TypeCreated,
		SensorID:  sensorID,
		Timestamp: time.Now().UTC(),
	})
	require.NoError(t, err)
	require.NoError(t, consumer.Dispatch(context.Background(), payload))
	assert.Equal(t, []Type{TypeCreated}, handled)

	// events without a registered handler are skipped
	payload, err = json.Marshal(SensorEvent{EventType: TypeDeleted, SensorID: sensorID})
	require.NoError(t, err)
	require.NoError(t, consumer.Dispatch(context.Background(), payload))
	assert.Len(t, handled, 1)

	// unknown event types fail to decode
	err = consumer.Dispatch(context.Background(), []byte(`{"event_type":"destroyed"}`))
	assert.Error(t, err)
}
