package service

import (
	"context"
	"fmt"
	"time"

	"github.com/veilgate/veilgate/database"
	"github.com/veilgate/veilgate/database/model"
	"github.com/veilgate/veilgate/logger"
)

// expiryDedupWindow suppresses a repeat expiry notification of the same
// kind for the same owner, e.g. after a crash between the status write and
// the notification log write.
const expiryDedupWindow = 24 * time.Hour

// SubscriptionService owns the trial/active/expired state machine.
// Transitions are monotonic except Extend, which is the one event moving
// an owner back to active.
type SubscriptionService struct {
	provision *ProvisionService
	notify    *NotificationService

	trialDuration     time.Duration
	trialTrafficLimit int64
}

func NewSubscriptionService(provision *ProvisionService, notify *NotificationService, trialDuration time.Duration, trialTrafficLimit int64) *SubscriptionService {
	return &SubscriptionService{
		provision:         provision,
		notify:            notify,
		trialDuration:     trialDuration,
		trialTrafficLimit: trialTrafficLimit,
	}
}

// GetOwner loads one owner row.
func (s *SubscriptionService) GetOwner(ownerId int64) (*model.Owner, error) {
	var owner model.Owner
	err := database.GetDB().First(&owner, ownerId).Error
	if err != nil {
		if database.IsNotFound(err) {
			return nil, fmt.Errorf("%w: owner %d", ErrNotFound, ownerId)
		}
		return nil, err
	}
	return &owner, nil
}

// StartTrial opens the trial window for an owner that never had one.
func (s *SubscriptionService) StartTrial(ownerId int64) (*model.Owner, error) {
	owner, err := s.GetOwner(ownerId)
	if err != nil {
		return nil, err
	}
	if owner.TrialEndsAt != 0 || owner.Status == model.StatusActive {
		return nil, fmt.Errorf("%w: owner %d already consumed the trial", ErrValidation, ownerId)
	}

	owner.Status = model.StatusTrial
	owner.TrialEndsAt = time.Now().Add(s.trialDuration).UnixMilli()
	owner.TrialTrafficLimit = s.trialTrafficLimit
	owner.TrialTrafficUsed = 0
	if err := database.GetDB().Save(owner).Error; err != nil {
		return nil, err
	}
	logger.Infof("trial started for owner %d until %d", ownerId, owner.TrialEndsAt)
	return owner, nil
}

// Extend moves an expired, trial or active owner to active with a new paid
// window and reactivates previously-deactivated credentials, restoring
// their original secrets and links.
func (s *SubscriptionService) Extend(ctx context.Context, ownerId int64, days int) (*model.Owner, error) {
	if days <= 0 {
		return nil, fmt.Errorf("%w: extension days must be positive", ErrValidation)
	}
	owner, err := s.GetOwner(ownerId)
	if err != nil {
		return nil, err
	}
	if owner.Status == model.StatusCancelled {
		return nil, fmt.Errorf("%w: owner %d is cancelled", ErrValidation, ownerId)
	}

	base := time.Now()
	if owner.Status == model.StatusActive && owner.SubEndsAt > base.UnixMilli() {
		base = time.UnixMilli(owner.SubEndsAt)
	}
	newEnd := base.AddDate(0, 0, days).UnixMilli()

	owner.Status = model.StatusActive
	owner.SubEndsAt = newEnd
	if err := database.GetDB().Save(owner).Error; err != nil {
		return nil, err
	}

	reactivated := s.provision.ReactivateOwnerCredentials(ctx, ownerId, newEnd)
	logger.Infof("extended owner %d by %dd (until %d), reactivated %d credentials", ownerId, days, newEnd, reactivated)
	return owner, nil
}

// ExpireOwner performs the shared *->expired transition: deactivate all
// active credentials (skipping individual failures), flip the status, and
// emit exactly one dedup-gated expiry notification.
func (s *SubscriptionService) ExpireOwner(ctx context.Context, owner *model.Owner, kind string, payload map[string]any) error {
	deactivated := s.provision.DeactivateOwnerCredentials(ctx, owner.Id)

	owner.Status = model.StatusExpired
	if err := database.GetDB().Save(owner).Error; err != nil {
		return err
	}
	logger.Infof("owner %d expired (%s), deactivated %d credentials", owner.Id, kind, deactivated)

	if s.notify.SentWithin(owner.Id, kind, expiryDedupWindow) {
		return nil
	}
	s.notify.Send(owner, kind, payload)
	return nil
}
