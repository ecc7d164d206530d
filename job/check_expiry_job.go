// Package job hosts the recurring background jobs: subscription expiry
// with reminders, and trial traffic-cap enforcement.
package job

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/atomic"

	"github.com/veilgate/veilgate/database"
	"github.com/veilgate/veilgate/database/model"
	"github.com/veilgate/veilgate/logger"
	"github.com/veilgate/veilgate/service"
)

const (
	trialReminderDedup = 30 * time.Minute
	subReminderDedup   = 12 * time.Hour

	// engine calls inside one owner's processing share this budget
	ownerTimeout = 30 * time.Second
)

// CheckExpiryJob is the coarse cycle: it expires trials and subscriptions
// whose window passed and emits dedup-gated reminders ahead of expiry.
type CheckExpiryJob struct {
	subService *service.SubscriptionService
	notify     *service.NotificationService

	running atomic.Bool
}

func NewCheckExpiryJob(subService *service.SubscriptionService, notify *service.NotificationService) *CheckExpiryJob {
	return &CheckExpiryJob{subService: subService, notify: notify}
}

// Run executes one cycle. Cycles of this cadence never overlap: a firing
// while the previous run is still going is dropped.
func (j *CheckExpiryJob) Run() {
	if !j.running.CompareAndSwap(false, true) {
		logger.Debug("expiry check still running, skipping this firing")
		return
	}
	defer j.running.Store(false)

	now := time.Now()
	j.processExpiredTrials(now)
	j.processExpiredSubscriptions(now)
	j.sendTrialReminders(now, 2)
	j.sendTrialReminders(now, 1)
	j.sendSubReminders(now, 3)
	j.sendSubReminders(now, 1)
}

func (j *CheckExpiryJob) processExpiredTrials(now time.Time) {
	var owners []model.Owner
	err := database.GetDB().
		Where("status = ? AND trial_ends_at > 0 AND trial_ends_at <= ?", model.StatusTrial, now.UnixMilli()).
		Find(&owners).Error
	if err != nil {
		logger.Warning("query expired trials failed:", err)
		return
	}
	if len(owners) > 0 {
		logger.Infof("found %d expired trial(s)", len(owners))
	}

	for i := range owners {
		owner := &owners[i]
		ctx, cancel := context.WithTimeout(context.Background(), ownerTimeout)
		err := j.subService.ExpireOwner(ctx, owner, model.NotifyTrialExpired, map[string]any{
			"expiresAt": owner.TrialEndsAt,
			"hoursLeft": 0,
		})
		cancel()
		if err != nil {
			logger.Warningf("expire trial owner %d failed: %v", owner.Id, err)
		}
	}
}

func (j *CheckExpiryJob) processExpiredSubscriptions(now time.Time) {
	var owners []model.Owner
	err := database.GetDB().
		Where("status = ? AND sub_ends_at > 0 AND sub_ends_at <= ?", model.StatusActive, now.UnixMilli()).
		Find(&owners).Error
	if err != nil {
		logger.Warning("query expired subscriptions failed:", err)
		return
	}
	if len(owners) > 0 {
		logger.Infof("found %d expired subscription(s)", len(owners))
	}

	for i := range owners {
		owner := &owners[i]
		ctx, cancel := context.WithTimeout(context.Background(), ownerTimeout)
		err := j.subService.ExpireOwner(ctx, owner, model.NotifySubExpired, map[string]any{
			"expiresAt": owner.SubEndsAt,
			"daysLeft":  0,
		})
		cancel()
		if err != nil {
			logger.Warningf("expire subscription owner %d failed: %v", owner.Id, err)
		}
	}
}

// sendTrialReminders notifies trial owners whose window ends within
// [now+h, now+h+1h), once per dedup window.
func (j *CheckExpiryJob) sendTrialReminders(now time.Time, hoursLeft int) {
	kind := fmt.Sprintf("trial_expires_%dh", hoursLeft)
	from := now.Add(time.Duration(hoursLeft) * time.Hour)
	to := from.Add(time.Hour)

	var owners []model.Owner
	err := database.GetDB().
		Where("status = ? AND trial_ends_at >= ? AND trial_ends_at < ?", model.StatusTrial, from.UnixMilli(), to.UnixMilli()).
		Find(&owners).Error
	if err != nil {
		logger.Warning("query trial reminders failed:", err)
		return
	}

	for i := range owners {
		owner := &owners[i]
		if j.notify.SentWithin(owner.Id, kind, trialReminderDedup) {
			continue
		}
		j.notify.Send(owner, kind, map[string]any{
			"expiresAt": owner.TrialEndsAt,
			"hoursLeft": hoursLeft,
		})
	}
}

// sendSubReminders notifies active owners whose paid window ends within
// [now+d days, +24h), once per dedup window.
func (j *CheckExpiryJob) sendSubReminders(now time.Time, daysLeft int) {
	kind := fmt.Sprintf("subscription_expires_%dd", daysLeft)
	from := now.AddDate(0, 0, daysLeft)
	to := from.Add(24 * time.Hour)

	var owners []model.Owner
	err := database.GetDB().
		Where("status = ? AND sub_ends_at >= ? AND sub_ends_at < ?", model.StatusActive, from.UnixMilli(), to.UnixMilli()).
		Find(&owners).Error
	if err != nil {
		logger.Warning("query subscription reminders failed:", err)
		return
	}

	for i := range owners {
		owner := &owners[i]
		if j.notify.SentWithin(owner.Id, kind, subReminderDedup) {
			continue
		}
		j.notify.Send(owner, kind, map[string]any{
			"expiresAt": owner.SubEndsAt,
			"daysLeft":  daysLeft,
		})
	}
}
