package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"ocpp-csms/internal/cache"
	"ocpp-csms/internal/eventbus"
	"ocpp-csms/internal/ocpp"
	"ocpp-csms/internal/storage"
)

// Cache TTLs for authorization verdicts. Negative or uncertain verdicts
// are revalidated much sooner than accepted ones.
const (
	acceptedTagTTL = time.Hour
	rejectedTagTTL = time.Minute
)

func idTagCacheKey(tag string) string { return "idtag:status:" + tag }

// Authorizer answers "may this tag charge" with a cache fast path, a bus
// round trip to the id-tag service, and a direct call as last fallback. A
// bus timeout means "unknown", never a fatal error.
type Authorizer struct {
	cache   cache.Cache
	bus     *eventbus.Bus
	idtags  *IdTagService
	timeout time.Duration
	logger  zerolog.Logger
}

// NewAuthorizer creates the authorization flow. A zero timeout uses the
// bus default.
func NewAuthorizer(c cache.Cache, bus *eventbus.Bus, idtags *IdTagService, timeout time.Duration, logger zerolog.Logger) *Authorizer {
	if timeout <= 0 {
		timeout = eventbus.DefaultRequestTimeout
	}
	return &Authorizer{
		cache:   c,
		bus:     bus,
		idtags:  idtags,
		timeout: timeout,
		logger:  logger.With().Str("component", "authorizer").Logger(),
	}
}

// Authorize resolves the tag's verdict and caches it.
func (a *Authorizer) Authorize(ctx context.Context, tag string) (ocpp.IdTagInfo, error) {
	if cached, err := a.cache.Get(ctx, idTagCacheKey(tag)); err == nil {
		var info ocpp.IdTagInfo
		if jsonErr := json.Unmarshal([]byte(cached), &info); jsonErr == nil {
			return info, nil
		}
		// Unreadable cache entries are dropped, not trusted.
		_ = a.cache.Delete(ctx, idTagCacheKey(tag))
	} else if !errors.Is(err, cache.ErrMiss) {
		a.logger.Warn().Err(err).Str("idTag", maskTag(tag)).Msg("cache lookup failed, continuing without it")
	}

	info, err := a.resolve(ctx, tag)
	if err != nil {
		return ocpp.IdTagInfo{}, err
	}

	ttl := rejectedTagTTL
	if info.Status == storage.IdTagAccepted {
		ttl = acceptedTagTTL
	}
	payload, _ := json.Marshal(info)
	if err := a.cache.Set(ctx, idTagCacheKey(tag), string(payload), ttl); err != nil {
		a.logger.Warn().Err(err).Str("idTag", maskTag(tag)).Msg("failed to cache authorization verdict")
	}
	return info, nil
}

// Invalidate removes the cached verdict for a tag.
func (a *Authorizer) Invalidate(ctx context.Context, tag string) error {
	return a.cache.Delete(ctx, idTagCacheKey(tag))
}

// resolve tries the bus round trip first, then the direct port.
func (a *Authorizer) resolve(ctx context.Context, tag string) (ocpp.IdTagInfo, error) {
	res, ok := a.bus.RequestReply(eventbus.Request{
		RequestType:  EventIdTagAuthorizeRequested,
		Payload:      &IdTagAuthorizeRequested{IdTag: tag},
		ResponseType: EventIdTagAuthorizeResolved,
		Timeout:      a.timeout,
	})
	if ok {
		resolved, isResolved := res.(*IdTagAuthorizeResolved)
		if isResolved && resolved.Err == "" {
			return ocpp.IdTagInfo{
				Status:      resolved.Status,
				ExpiryDate:  resolved.ExpiryDate,
				ParentIdTag: resolved.ParentIdTag,
			}, nil
		}
	} else {
		a.logger.Warn().Str("idTag", maskTag(tag)).Msg("authorization lookup timed out on the bus, falling back to direct call")
	}

	found, err := a.idtags.Authorize(ctx, tag)
	if err != nil {
		return ocpp.IdTagInfo{}, err
	}
	info := ocpp.IdTagInfo{Status: found.Status, ParentIdTag: found.ParentIdTag}
	if found.ExpiryDate != nil {
		info.ExpiryDate = found.ExpiryDate.Format(time.RFC3339)
	}
	return info, nil
}
