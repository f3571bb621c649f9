package app

import (
	"context"

	"courier/api/internal/realtime"
)

// Subscribe attaches handler to topic for userID. Channel topics require
// membership; user topics are private to their owner.
func (s *Service) Subscribe(ctx context.Context, userID, topic string, handler realtime.Handler) (*realtime.Subscription, error) {
	if handler == nil {
		return nil, validationError("handler is required")
	}
	kind, id, ok := realtime.ParseTopic(topic)
	if !ok {
		return nil, validationError("topic must be channel:{id} or user:{id}")
	}
	switch kind {
	case realtime.TopicUser:
		if id != userID {
			return nil, permissionDenied("cannot subscribe to another user's topic")
		}
	case realtime.TopicChannel:
		if _, _, err := s.requireMember(ctx, id, userID); err != nil {
			return nil, err
		}
	}

	sub, err := s.bus.Subscribe(ctx, topic, handler)
	if err != nil {
		return nil, busError(err)
	}
	s.logger.WithField("topic", topic).WithField("user_id", userID).Debug("subscribed")
	return sub, nil
}

func (s *Service) Unsubscribe(sub *realtime.Subscription) {
	if sub != nil {
		sub.Cancel()
	}
}
