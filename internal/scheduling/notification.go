package scheduling

import (
	"context"
	"fmt"
	"sync"

	"github.com/goccy/go-json"
	"github.com/medrex/clinic-scheduler/pkg/logger"
	"github.com/medrex/clinic-scheduler/pkg/types"
	"github.com/redis/go-redis/v9"
)

const subscriberBuffer = 64

// RedisEventPublisher fans appointment changes out over Redis pub/sub.
// Every event goes to the doctor+date, date and patient channels of the appointment.
type RedisEventPublisher struct {
	client redis.UniversalClient
	prefix string
	logger *logger.Logger
}

// NewRedisEventPublisher creates a publisher writing under the channel prefix
func NewRedisEventPublisher(client redis.UniversalClient, prefix string, log *logger.Logger) *RedisEventPublisher {
	if prefix == "" {
		prefix = "clinic:appointments"
	}
	return &RedisEventPublisher{
		client: client,
		prefix: prefix,
		logger: log,
	}
}

func (p *RedisEventPublisher) doctorChannel(doctorID, date string) string {
	return fmt.Sprintf("%s:doctor:%s:%s", p.prefix, doctorID, date)
}

func (p *RedisEventPublisher) dateChannel(date string) string {
	return fmt.Sprintf("%s:date:%s", p.prefix, date)
}

func (p *RedisEventPublisher) patientChannel(patientID string) string {
	return fmt.Sprintf("%s:patient:%s", p.prefix, patientID)
}

// channelsFor lists every channel an appointment's changes are published on
func (p *RedisEventPublisher) channelsFor(apt *types.Appointment) []string {
	return []string{
		p.doctorChannel(apt.DoctorID, apt.Date),
		p.dateChannel(apt.Date),
		p.patientChannel(apt.PatientID),
	}
}

// ChannelFor picks the single channel that carries every event of scope
func (p *RedisEventPublisher) ChannelFor(scope types.SubscriptionScope) (string, error) {
	switch {
	case scope.DoctorID != "" && scope.Date != "":
		return p.doctorChannel(scope.DoctorID, scope.Date), nil
	case scope.PatientID != "":
		return p.patientChannel(scope.PatientID), nil
	case scope.Date != "":
		return p.dateChannel(scope.Date), nil
	}
	return "", types.NewValidationError(types.ErrCodeInvalidInput,
		"subscription needs doctor_id with date, date, or patient_id", nil)
}

// Publish sends event to all of its appointment's channels
func (p *RedisEventPublisher) Publish(ctx context.Context, event *types.AppointmentEvent) error {
	if event == nil || event.Appointment == nil {
		return fmt.Errorf("event has no appointment")
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode appointment event: %w", err)
	}

	pipe := p.client.Pipeline()
	for _, channel := range p.channelsFor(event.Appointment) {
		pipe.Publish(ctx, channel, payload)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to publish appointment event: %w", err)
	}

	return nil
}

// Subscribe streams events in scope until the returned cancel func is called or ctx ends
func (p *RedisEventPublisher) Subscribe(ctx context.Context, scope types.SubscriptionScope) (<-chan *types.AppointmentEvent, func(), error) {
	channel, err := p.ChannelFor(scope)
	if err != nil {
		return nil, nil, err
	}

	pubsub := p.client.Subscribe(ctx, channel)
	// Wait for the subscription confirmation so no event published after return is missed
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	out := make(chan *types.AppointmentEvent, subscriberBuffer)
	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			pubsub.Close()
		})
	}

	log := p.logger.WithComponent("event_publisher").WithField("channel", channel)

	go func() {
		defer close(out)
		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				cancel()
				return
			case <-done:
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var event types.AppointmentEvent
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					log.WithError(err).Warn("Dropping undecodable appointment event")
					continue
				}
				if !scope.Matches(event.Appointment) {
					continue
				}
				select {
				case out <- &event:
				case <-done:
					return
				case <-ctx.Done():
					cancel()
					return
				}
			}
		}
	}()

	return out, cancel, nil
}

// Close releases the Redis client
func (p *RedisEventPublisher) Close() error {
	return p.client.Close()
}
