package service

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/veilgate/veilgate/database"
	"github.com/veilgate/veilgate/database/model"
	"github.com/veilgate/veilgate/xray"
)

// fakeClient records engine calls and serves canned traffic.
type fakeClient struct {
	mu      sync.Mutex
	added   []string
	removed []string

	addErr     error
	removeErr  error
	trafficErr error
	stat       xray.TrafficStat
	resets     []bool
}

func (f *fakeClient) Mode() string { return "fake" }

func (f *fakeClient) AddUser(_ context.Context, _, email, _, _ string, _ uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErr != nil {
		return f.addErr
	}
	f.added = append(f.added, email)
	return nil
}

func (f *fakeClient) RemoveUser(_ context.Context, _, email string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.removeErr != nil {
		return f.removeErr
	}
	f.removed = append(f.removed, email)
	return nil
}

func (f *fakeClient) GetTraffic(_ context.Context, _ string, reset bool) (*xray.TrafficStat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.trafficErr != nil {
		return nil, f.trafficErr
	}
	f.resets = append(f.resets, reset)
	stat := f.stat
	return &stat, nil
}

func (f *fakeClient) Close() error { return nil }

func setupDB(t *testing.T) {
	t.Helper()
	if err := database.InitDB(filepath.Join(t.TempDir(), "test.db")); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = database.CloseDB() })
}

func testInbound() *xray.Inbound {
	return &xray.Inbound{
		Tag:      "vless-in",
		Port:     443,
		Security: "tls",
		Network:  "tcp",
		SNI:      "vpn.example.com",
	}
}

func newTestProvision(client xray.Client) *ProvisionService {
	return NewProvisionService(client, testInbound(), "proxy.example.com", "xtls-rprx-vision", 2, 30)
}

func TestCreateCredentialQuota(t *testing.T) {
	setupDB(t)
	fake := &fakeClient{}
	svc := newTestProvision(fake)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := svc.CreateCredential(ctx, 1, "", ""); err != nil {
			t.Fatal(err)
		}
	}

	_, err := svc.CreateCredential(ctx, 1, "", "")
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("err = %v, want ErrQuotaExceeded", err)
	}
	// quota check runs before any engine call
	if len(fake.added) != 2 {
		t.Errorf("engine add calls = %d, want 2", len(fake.added))
	}

	// another owner is unaffected
	if _, err := svc.CreateCredential(ctx, 2, "", ""); err != nil {
		t.Fatal(err)
	}
}

func TestCreateCredentialEngineFailure(t *testing.T) {
	setupDB(t)
	fake := &fakeClient{addErr: errors.New("engine unreachable")}
	svc := newTestProvision(fake)

	_, err := svc.CreateCredential(context.Background(), 1, "", "")
	if !IsConnectivity(err) {
		t.Fatalf("err = %v, want ConnectivityError", err)
	}

	// no orphan record
	var count int64
	database.GetDB().Model(&model.Credential{}).Count(&count)
	if count != 0 {
		t.Errorf("credentials persisted = %d, want 0", count)
	}
}

func TestCreateCredentialPersists(t *testing.T) {
	setupDB(t)
	fake := &fakeClient{}
	svc := newTestProvision(fake)

	credential, err := svc.CreateCredential(context.Background(), 7, "laptop", "")
	if err != nil {
		t.Fatal(err)
	}

	if credential.Flow != "xtls-rprx-vision" {
		t.Errorf("Flow = %q, want default flow", credential.Flow)
	}
	if credential.InboundTag != "vless-in" || !credential.Enable {
		t.Errorf("credential = %+v", credential)
	}
	if credential.ExpiryTime == 0 {
		t.Error("ExpiryTime not set")
	}
	if credential.Link == "" || credential.Uuid == "" {
		t.Errorf("link/secret missing: %+v", credential)
	}
}

func TestRemoveCredentialIdempotence(t *testing.T) {
	setupDB(t)
	fake := &fakeClient{}
	svc := newTestProvision(fake)
	ctx := context.Background()

	credential, err := svc.CreateCredential(ctx, 1, "", "")
	if err != nil {
		t.Fatal(err)
	}

	if err := svc.RemoveCredential(ctx, credential.Id, 1); err != nil {
		t.Fatal(err)
	}

	// repeat delete is NotFound and never reaches the engine again
	err = svc.RemoveCredential(ctx, credential.Id, 1)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("second remove err = %v, want ErrNotFound", err)
	}
	if len(fake.removed) != 1 {
		t.Errorf("engine remove calls = %d, want 1", len(fake.removed))
	}
}

func TestRemoveCredentialForeignOwner(t *testing.T) {
	setupDB(t)
	fake := &fakeClient{}
	svc := newTestProvision(fake)
	ctx := context.Background()

	credential, err := svc.CreateCredential(ctx, 1, "", "")
	if err != nil {
		t.Fatal(err)
	}

	err = svc.RemoveCredential(ctx, credential.Id, 99)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("foreign remove err = %v, want ErrNotFound", err)
	}
	if len(fake.removed) != 0 {
		t.Errorf("engine remove calls = %d, want 0", len(fake.removed))
	}
}

func TestGetTraffic(t *testing.T) {
	setupDB(t)
	fake := &fakeClient{stat: xray.TrafficStat{Up: 100, Down: 250}}
	svc := newTestProvision(fake)
	ctx := context.Background()

	credential, err := svc.CreateCredential(ctx, 1, "", "")
	if err != nil {
		t.Fatal(err)
	}

	info, err := svc.GetTraffic(ctx, credential.Id, 1, true)
	if err != nil {
		t.Fatal(err)
	}
	if info.Up != 100 || info.Down != 250 || info.Total != 350 || !info.ResetApplied {
		t.Errorf("info = %+v", info)
	}

	// second read is independent and honors reset=false
	info, err = svc.GetTraffic(ctx, credential.Id, 1, false)
	if err != nil {
		t.Fatal(err)
	}
	if info.ResetApplied {
		t.Error("ResetApplied on a non-reset read")
	}
	if len(fake.resets) != 2 || fake.resets[0] != true || fake.resets[1] != false {
		t.Errorf("reset flags passed to engine = %v", fake.resets)
	}

	// cumulative counters were cached
	var traffic model.ClientTraffic
	if err := database.GetDB().Where("credential_id = ?", credential.Id).First(&traffic).Error; err != nil {
		t.Fatal(err)
	}
	if traffic.Total != 350 || traffic.LastSync == 0 {
		t.Errorf("cached traffic = %+v", traffic)
	}
}

func TestTrafficHistoryBounded(t *testing.T) {
	setupDB(t)
	fake := &fakeClient{stat: xray.TrafficStat{Up: 1, Down: 1}}
	svc := newTestProvision(fake)
	ctx := context.Background()

	credential, err := svc.CreateCredential(ctx, 1, "", "")
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < trafficHistoryLimit+5; i++ {
		if _, err := svc.GetTraffic(ctx, credential.Id, 1, false); err != nil {
			t.Fatal(err)
		}
	}

	var count int64
	database.GetDB().Model(&model.TrafficSnapshot{}).
		Where("credential_id = ?", credential.Id).
		Count(&count)
	if count != trafficHistoryLimit {
		t.Errorf("snapshots = %d, want %d", count, trafficHistoryLimit)
	}
}

func TestListCredentialsNewestFirst(t *testing.T) {
	setupDB(t)
	fake := &fakeClient{}
	svc := NewProvisionService(fake, testInbound(), "proxy.example.com", "", 10, 30)
	ctx := context.Background()

	var ids []int64
	for i := 0; i < 3; i++ {
		credential, err := svc.CreateCredential(ctx, 1, "", "")
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, credential.Id)
	}
	if err := svc.RemoveCredential(ctx, ids[1], 1); err != nil {
		t.Fatal(err)
	}

	list, err := svc.ListCredentials(1)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("len = %d, want 2 (inactive excluded)", len(list))
	}
	if list[0].CreatedAt < list[1].CreatedAt {
		t.Error("not sorted newest first")
	}
}

func TestUpdateRemark(t *testing.T) {
	setupDB(t)
	svc := newTestProvision(&fakeClient{})
	ctx := context.Background()

	credential, err := svc.CreateCredential(ctx, 1, "old", "")
	if err != nil {
		t.Fatal(err)
	}

	if err := svc.UpdateRemark(credential.Id, 1, " "); !errors.Is(err, ErrValidation) {
		t.Fatalf("blank remark err = %v, want ErrValidation", err)
	}

	if err := svc.UpdateRemark(credential.Id, 1, "new-name"); err != nil {
		t.Fatal(err)
	}
	updated, _, err := svc.GetCredential(credential.Id, 1)
	if err != nil {
		t.Fatal(err)
	}
	if updated.Remark != "new-name" {
		t.Errorf("Remark = %q", updated.Remark)
	}
	// the link fragment follows the remark
	if want := "#new-name"; updated.Link[len(updated.Link)-len(want):] != want {
		t.Errorf("Link = %q, fragment not updated", updated.Link)
	}
}

func TestCredentialQR(t *testing.T) {
	setupDB(t)
	svc := newTestProvision(&fakeClient{})

	credential, err := svc.CreateCredential(context.Background(), 1, "", "")
	if err != nil {
		t.Fatal(err)
	}

	png, err := svc.CredentialQR(credential.Id, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(png) == 0 {
		t.Error("empty QR image")
	}
}

func TestAdminPathsBypassQuota(t *testing.T) {
	setupDB(t)
	fake := &fakeClient{stat: xray.TrafficStat{Up: 5, Down: 6}}
	svc := NewProvisionService(fake, testInbound(), "proxy.example.com", "flow-x", 0, 30)
	ctx := context.Background()

	// maxPerOwner is 0, the admin path must still work
	link, secret, err := svc.AdminCreate(ctx, "auto@vless-in", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if secret == "" || link.URI == "" {
		t.Errorf("admin create result incomplete: %q %q", secret, link.URI)
	}

	info, err := svc.AdminTraffic(ctx, "auto@vless-in", false)
	if err != nil {
		t.Fatal(err)
	}
	if info.Total != 11 {
		t.Errorf("Total = %d", info.Total)
	}

	if err := svc.AdminRemove(ctx, "auto@vless-in"); err != nil {
		t.Fatal(err)
	}

	// nothing persisted by admin paths
	var count int64
	database.GetDB().Model(&model.Credential{}).Count(&count)
	if count != 0 {
		t.Errorf("credentials persisted = %d, want 0", count)
	}
}

func TestDeactivateOwnerCredentialsSkipsFailures(t *testing.T) {
	setupDB(t)
	fake := &fakeClient{}
	svc := NewProvisionService(fake, testInbound(), "proxy.example.com", "", 10, 30)
	ctx := context.Background()

	first, err := svc.CreateCredential(ctx, 1, "", "")
	if err != nil {
		t.Fatal(err)
	}
	second, err := svc.CreateCredential(ctx, 1, "", "")
	if err != nil {
		t.Fatal(err)
	}

	// engine refuses every removal: nothing deactivates, nothing crashes
	fake.removeErr = errors.New("engine down")
	if got := svc.DeactivateOwnerCredentials(ctx, 1); got != 0 {
		t.Errorf("deactivated = %d, want 0", got)
	}

	fake.removeErr = nil
	if got := svc.DeactivateOwnerCredentials(ctx, 1); got != 2 {
		t.Errorf("deactivated = %d, want 2", got)
	}

	for _, id := range []int64{first.Id, second.Id} {
		var credential model.Credential
		if err := database.GetDB().First(&credential, id).Error; err != nil {
			t.Fatal(err)
		}
		if credential.Enable {
			t.Errorf("credential %d still enabled", id)
		}
	}
}
