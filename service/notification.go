package service

import (
	"time"

	"github.com/veilgate/veilgate/database"
	"github.com/veilgate/veilgate/database/model"
	"github.com/veilgate/veilgate/logger"
)

// NotifyFunc delivers one notification to the owner. The transport behind
// it (bot, mail, webhook) is external to this module.
type NotifyFunc func(owner *model.Owner, kind string, payload map[string]any) error

// NotificationService sends owner notifications through an injected
// callback and keeps a durable log used for dedup across restarts.
type NotificationService struct {
	notify NotifyFunc
}

func NewNotificationService(notify NotifyFunc) *NotificationService {
	return &NotificationService{notify: notify}
}

// SentWithin reports whether a notification of this kind was already logged
// for the owner inside the window. Consults durable storage only.
func (s *NotificationService) SentWithin(ownerId int64, kind string, window time.Duration) bool {
	since := time.Now().Add(-window).UnixMilli()
	var count int64
	err := database.GetDB().Model(&model.Notification{}).
		Where("owner_id = ? AND kind = ? AND sent_at >= ?", ownerId, kind, since).
		Count(&count).Error
	if err != nil {
		logger.Warningf("notification dedup lookup failed for owner %d kind %s: %v", ownerId, kind, err)
		return false
	}
	return count > 0
}

// Send delivers the notification and records the outcome. Delivery failure
// is logged with success=false and never propagated; it must not block
// other owners or abort a scheduler cycle.
func (s *NotificationService) Send(owner *model.Owner, kind string, payload map[string]any) {
	record := &model.Notification{
		OwnerId: owner.Id,
		Kind:    kind,
		SentAt:  time.Now().UnixMilli(),
		Success: true,
	}

	if s.notify != nil {
		if err := s.notify(owner, kind, payload); err != nil {
			logger.Warningf("notification %s to owner %d failed: %v", kind, owner.Id, err)
			record.Success = false
			record.ErrorMsg = err.Error()
		}
	}

	if err := database.GetDB().Create(record).Error; err != nil {
		logger.Warningf("notification log write failed for owner %d kind %s: %v", owner.Id, kind, err)
		return
	}
	if record.Success {
		logger.Infof("sent notification %s to owner %d", kind, owner.Id)
	}
}
