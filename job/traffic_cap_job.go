package job

import (
	"context"
	"time"

	"go.uber.org/atomic"

	"github.com/veilgate/veilgate/database"
	"github.com/veilgate/veilgate/database/model"
	"github.com/veilgate/veilgate/logger"
	"github.com/veilgate/veilgate/service"
)

const trafficWarnDedup = 24 * time.Hour

// TrafficCapJob is the fine cycle: it syncs trial owners' traffic usage
// from the engine, warns at the configured percentage, and expires owners
// that hit the cap regardless of the time window.
type TrafficCapJob struct {
	provision   *service.ProvisionService
	subService  *service.SubscriptionService
	notify      *service.NotificationService
	warnPercent int

	running atomic.Bool
}

func NewTrafficCapJob(provision *service.ProvisionService, subService *service.SubscriptionService, notify *service.NotificationService, warnPercent int) *TrafficCapJob {
	return &TrafficCapJob{
		provision:   provision,
		subService:  subService,
		notify:      notify,
		warnPercent: warnPercent,
	}
}

// Run executes one cycle; firings during a running cycle are dropped.
func (j *TrafficCapJob) Run() {
	if !j.running.CompareAndSwap(false, true) {
		logger.Debug("traffic cap check still running, skipping this firing")
		return
	}
	defer j.running.Store(false)

	var owners []model.Owner
	err := database.GetDB().Where("status = ?", model.StatusTrial).Find(&owners).Error
	if err != nil {
		logger.Warning("query trial owners failed:", err)
		return
	}

	for i := range owners {
		j.checkOwner(&owners[i])
	}
}

// checkOwner aggregates the owner's credential traffic and applies the cap.
// Per-credential query failures are logged and excluded from the sum; a
// failing owner never aborts the cycle.
func (j *TrafficCapJob) checkOwner(owner *model.Owner) {
	if owner.TrialTrafficLimit <= 0 {
		return
	}

	credentials, err := j.provision.ListCredentials(owner.Id)
	if err != nil {
		logger.Warningf("list credentials of owner %d failed: %v", owner.Id, err)
		return
	}
	if len(credentials) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), ownerTimeout)
	defer cancel()

	var used int64
	for i := range credentials {
		credential := &credentials[i]
		info, err := j.provision.GetTraffic(ctx, credential.Id, owner.Id, false)
		if err != nil {
			logger.Warningf("traffic query for %s failed, excluded from sum: %v", credential.Email, err)
			continue
		}
		used += info.Total
	}

	owner.TrialTrafficUsed = used
	owner.TrafficSyncedAt = time.Now().UnixMilli()
	if err := database.GetDB().Save(owner).Error; err != nil {
		logger.Warningf("persist traffic usage of owner %d failed: %v", owner.Id, err)
		return
	}

	if used >= owner.TrialTrafficLimit {
		err := j.subService.ExpireOwner(ctx, owner, model.NotifyTrialExpired, map[string]any{
			"trafficUsed":  used,
			"trafficLimit": owner.TrialTrafficLimit,
		})
		if err != nil {
			logger.Warningf("traffic-cap expiry of owner %d failed: %v", owner.Id, err)
		}
		return
	}

	percent := int(used * 100 / owner.TrialTrafficLimit)
	if percent >= j.warnPercent {
		if j.notify.SentWithin(owner.Id, model.NotifyTrialTrafficWarning, trafficWarnDedup) {
			return
		}
		j.notify.Send(owner, model.NotifyTrialTrafficWarning, map[string]any{
			"trafficUsed":  used,
			"trafficLimit": owner.TrialTrafficLimit,
			"usedPercent":  percent,
		})
	}
}
