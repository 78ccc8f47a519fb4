package service

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"ocpp-csms/internal/eventbus"
	"ocpp-csms/internal/storage"
)

// IdTagService owns authorization tags. Unknown tags are auto-provisioned
// as Accepted; this permissive default is a deliberate onboarding choice,
// not a security posture.
type IdTagService struct {
	repo   storage.IdTagRepository
	bus    *eventbus.Bus
	logger zerolog.Logger

	sub *eventbus.Subscription
}

// NewIdTagService creates the id-tag service.
func NewIdTagService(repo storage.IdTagRepository, bus *eventbus.Bus, logger zerolog.Logger) *IdTagService {
	return &IdTagService{
		repo:   repo,
		bus:    bus,
		logger: logger.With().Str("component", "idtag-service").Logger(),
	}
}

// Start subscribes the service to authorization requests.
func (s *IdTagService) Start() {
	s.sub = s.bus.Subscribe(EventIdTagAuthorizeRequested, func(payload interface{}) {
		req, ok := payload.(*IdTagAuthorizeRequested)
		if !ok {
			return
		}
		resolved := &IdTagAuthorizeResolved{}
		resolved.SetCorrelationID(req.CorrelationID())

		tag, err := s.Authorize(context.Background(), req.IdTag)
		if err != nil {
			resolved.Err = err.Error()
		} else {
			resolved.Status = tag.Status
			if tag.ExpiryDate != nil {
				resolved.ExpiryDate = tag.ExpiryDate.Format(time.RFC3339)
			}
			resolved.ParentIdTag = tag.ParentIdTag
		}
		s.bus.Publish(EventIdTagAuthorizeResolved, resolved)
	})
}

// Stop cancels the bus subscription.
func (s *IdTagService) Stop() {
	if s.sub != nil {
		s.sub.Cancel()
	}
}

// Authorize returns the authoritative verdict for a tag, creating unknown
// tags as Accepted.
func (s *IdTagService) Authorize(ctx context.Context, tag string) (*storage.IdTag, error) {
	found, err := s.repo.FindByTag(ctx, tag)
	if err != nil {
		return nil, err
	}
	if found != nil {
		return found, nil
	}

	created, err := s.repo.Create(ctx, &storage.IdTag{Tag: tag, Status: storage.IdTagAccepted})
	if err == nil {
		s.logger.Info().Str("idTag", maskTag(tag)).Msg("auto-provisioned unknown tag as Accepted")
		return created, nil
	}
	if !errors.Is(err, storage.ErrConflict) {
		return nil, err
	}
	// Concurrent first use of the same tag.
	return s.repo.FindByTag(ctx, tag)
}

// maskTag hides the middle of a tag id in logs.
func maskTag(tag string) string {
	if len(tag) <= 4 {
		return "***"
	}
	return tag[:2] + "***" + tag[len(tag)-2:]
}
