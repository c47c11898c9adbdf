package conversations

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"
)

// ErrNotFound is returned by a Store when the requested record does not exist.
var ErrNotFound = errors.New("conversations: not found")

// OrderRef identifies the parties of a legacy order.
type OrderRef struct {
	BusinessID string
	CustomerID string
}

// Store looks up the catalog records needed to resolve conversations.
type Store interface {
	LookupOrder(ctx context.Context, orderID string) (OrderRef, error)
	LookupBusinessOwner(ctx context.Context, businessID string) (string, error)
}

// Resolution is the canonical view of a conversation identifier. Empty
// participant fields mean they could not be determined.
type Resolution struct {
	ConversationID      string
	BusinessID          string
	CustomerID          string
	BusinessOwnerUserID string
	LegacyOrderID       string
}

// HasParticipants reports whether both sides of the conversation are known.
func (r Resolution) HasParticipants() bool {
	return r.CustomerID != "" && r.BusinessOwnerUserID != ""
}

// Participants lists the known participant user ids.
func (r Resolution) Participants() []string {
	participants := make([]string, 0, 2)
	if r.CustomerID != "" {
		participants = append(participants, r.CustomerID)
	}
	if r.BusinessOwnerUserID != "" && r.BusinessOwnerUserID != r.CustomerID {
		participants = append(participants, r.BusinessOwnerUserID)
	}
	return participants
}

// Allows applies the participant check. Unknown participants permit access.
func (r Resolution) Allows(userID string) bool {
	if !r.HasParticipants() {
		return true
	}
	return userID == r.CustomerID || userID == r.BusinessOwnerUserID
}

// Counterpart returns the other participant, or "" when it cannot be derived.
func (r Resolution) Counterpart(userID string) string {
	switch userID {
	case r.CustomerID:
		return r.BusinessOwnerUserID
	case r.BusinessOwnerUserID:
		return r.CustomerID
	default:
		return ""
	}
}

// ResolverConfig wires the resolver dependencies.
type ResolverConfig struct {
	Store  Store
	Logger *zap.Logger
}

// Resolver maps raw conversation or legacy order ids to canonical conversations.
type Resolver struct {
	store  Store
	logger *zap.Logger
}

// NewResolver constructs a Resolver. A nil store only resolves canonical ids.
func NewResolver(cfg ResolverConfig) *Resolver {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{store: cfg.Store, logger: logger}
}

// Resolve never fails: anything it cannot interpret comes back unchanged with
// empty participants.
func (r *Resolver) Resolve(ctx context.Context, rawID string) Resolution {
	raw := strings.TrimSpace(rawID)
	if businessID, customerID, ok := ParseCanonical(raw); ok {
		return Resolution{
			ConversationID:      raw,
			BusinessID:          businessID,
			CustomerID:          customerID,
			BusinessOwnerUserID: r.lookupOwner(ctx, businessID),
		}
	}

	if raw == "" || r.store == nil {
		return Resolution{ConversationID: raw}
	}

	order, err := r.store.LookupOrder(ctx, raw)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			r.logger.Warn("legacy order lookup failed", zap.String("order_id", raw), zap.Error(err))
		}
		return Resolution{ConversationID: raw}
	}
	if order.BusinessID == "" || order.CustomerID == "" {
		return Resolution{ConversationID: raw}
	}

	return Resolution{
		ConversationID:      CanonicalID(order.BusinessID, order.CustomerID),
		BusinessID:          order.BusinessID,
		CustomerID:          order.CustomerID,
		BusinessOwnerUserID: r.lookupOwner(ctx, order.BusinessID),
		LegacyOrderID:       raw,
	}
}

func (r *Resolver) lookupOwner(ctx context.Context, businessID string) string {
	if r.store == nil {
		return ""
	}
	ownerID, err := r.store.LookupBusinessOwner(ctx, businessID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			r.logger.Warn("business owner lookup failed", zap.String("business_id", businessID), zap.Error(err))
		}
		return ""
	}
	return strings.TrimSpace(ownerID)
}
