package job

import (
	"context"
	"testing"
	"time"

	"github.com/veilgate/veilgate/database"
	"github.com/veilgate/veilgate/database/model"
	"github.com/veilgate/veilgate/xray"
)

func TestTrafficCapExpiresOwner(t *testing.T) {
	fx := newFixture(t)
	job := NewTrafficCapJob(fx.provision, fx.sub, fx.notify, 80)

	// the time window is still open, only the cap is hit
	owner := fx.createOwner(t, &model.Owner{
		TelegramId:        "100",
		Status:            model.StatusTrial,
		TrialEndsAt:       time.Now().Add(12 * time.Hour).UnixMilli(),
		TrialTrafficLimit: 1000,
	})
	credential, err := fx.provision.CreateCredential(context.Background(), owner.Id, "", "")
	if err != nil {
		t.Fatal(err)
	}
	fx.fake.stat = xray.TrafficStat{Up: 600, Down: 600}

	job.Run()

	var reloadedOwner model.Owner
	if err := database.GetDB().First(&reloadedOwner, owner.Id).Error; err != nil {
		t.Fatal(err)
	}
	if reloadedOwner.Status != model.StatusExpired {
		t.Errorf("Status = %q, want expired despite open time window", reloadedOwner.Status)
	}
	if reloadedOwner.TrialTrafficUsed != 1200 {
		t.Errorf("TrialTrafficUsed = %d, want 1200", reloadedOwner.TrialTrafficUsed)
	}

	var reloadedCredential model.Credential
	if err := database.GetDB().First(&reloadedCredential, credential.Id).Error; err != nil {
		t.Fatal(err)
	}
	if reloadedCredential.Enable {
		t.Error("credential still enabled after cap expiry")
	}

	if got := notificationCount(t, owner.Id, model.NotifyTrialExpired); got != 1 {
		t.Errorf("trial_expired notifications = %d, want 1", got)
	}
}

func TestTrafficCapWarningOnce(t *testing.T) {
	fx := newFixture(t)
	job := NewTrafficCapJob(fx.provision, fx.sub, fx.notify, 80)

	owner := fx.createOwner(t, &model.Owner{
		TelegramId:        "200",
		Status:            model.StatusTrial,
		TrialEndsAt:       time.Now().Add(12 * time.Hour).UnixMilli(),
		TrialTrafficLimit: 1000,
	})
	if _, err := fx.provision.CreateCredential(context.Background(), owner.Id, "", ""); err != nil {
		t.Fatal(err)
	}
	fx.fake.stat = xray.TrafficStat{Up: 500, Down: 350} // 85%

	job.Run()
	job.Run() // dedup window suppresses the repeat

	if got := notificationCount(t, owner.Id, model.NotifyTrialTrafficWarning); got != 1 {
		t.Errorf("warning notifications = %d, want 1", got)
	}

	var reloaded model.Owner
	if err := database.GetDB().First(&reloaded, owner.Id).Error; err != nil {
		t.Fatal(err)
	}
	if reloaded.Status != model.StatusTrial {
		t.Errorf("Status = %q, warning must not transition", reloaded.Status)
	}
	if reloaded.TrafficSyncedAt == 0 {
		t.Error("TrafficSyncedAt not persisted")
	}
}

func TestTrafficCapBelowWarnThreshold(t *testing.T) {
	fx := newFixture(t)
	job := NewTrafficCapJob(fx.provision, fx.sub, fx.notify, 80)

	owner := fx.createOwner(t, &model.Owner{
		TelegramId:        "300",
		Status:            model.StatusTrial,
		TrialEndsAt:       time.Now().Add(12 * time.Hour).UnixMilli(),
		TrialTrafficLimit: 1000,
	})
	if _, err := fx.provision.CreateCredential(context.Background(), owner.Id, "", ""); err != nil {
		t.Fatal(err)
	}
	fx.fake.stat = xray.TrafficStat{Up: 100, Down: 100}

	job.Run()

	if got := notificationCount(t, owner.Id, model.NotifyTrialTrafficWarning); got != 0 {
		t.Errorf("warning notifications = %d, want 0 at 20%%", got)
	}
	var reloaded model.Owner
	if err := database.GetDB().First(&reloaded, owner.Id).Error; err != nil {
		t.Fatal(err)
	}
	if reloaded.TrialTrafficUsed != 200 {
		t.Errorf("TrialTrafficUsed = %d, want 200", reloaded.TrialTrafficUsed)
	}
}

func TestTrafficCapSkipsUnlimitedOwner(t *testing.T) {
	fx := newFixture(t)
	job := NewTrafficCapJob(fx.provision, fx.sub, fx.notify, 80)

	owner := fx.createOwner(t, &model.Owner{
		TelegramId:        "400",
		Status:            model.StatusTrial,
		TrialEndsAt:       time.Now().Add(12 * time.Hour).UnixMilli(),
		TrialTrafficLimit: 0,
	})
	if _, err := fx.provision.CreateCredential(context.Background(), owner.Id, "", ""); err != nil {
		t.Fatal(err)
	}
	fx.fake.stat = xray.TrafficStat{Up: 1 << 40, Down: 1 << 40}

	job.Run()

	var reloaded model.Owner
	if err := database.GetDB().First(&reloaded, owner.Id).Error; err != nil {
		t.Fatal(err)
	}
	if reloaded.Status != model.StatusTrial {
		t.Errorf("Status = %q, zero limit means no cap", reloaded.Status)
	}
	if reloaded.TrafficSyncedAt != 0 {
		t.Error("unlimited owner should not be synced")
	}
}
