package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/veilgate/veilgate/database"
	"github.com/veilgate/veilgate/database/model"
	"github.com/veilgate/veilgate/logger"
	"github.com/veilgate/veilgate/util/random"
	"github.com/veilgate/veilgate/xray"
)

// trafficHistoryLimit bounds the per-credential snapshot history.
const trafficHistoryLimit = 90

// ProvisionService creates, removes and inspects engine credentials under
// per-owner quotas. Engine-side failures always abort before persistence.
type ProvisionService struct {
	client       xray.Client
	inbound      *xray.Inbound
	publicHost   string
	defaultFlow  string
	maxPerOwner  int
	validityDays int
}

// TrafficInfo is a cumulative traffic reading for one credential.
type TrafficInfo struct {
	Up           int64 `json:"up"`
	Down         int64 `json:"down"`
	Total        int64 `json:"total"`
	ResetApplied bool  `json:"resetApplied"`
}

func NewProvisionService(client xray.Client, inbound *xray.Inbound, publicHost, defaultFlow string, maxPerOwner, validityDays int) *ProvisionService {
	return &ProvisionService{
		client:       client,
		inbound:      inbound,
		publicHost:   publicHost,
		defaultFlow:  defaultFlow,
		maxPerOwner:  maxPerOwner,
		validityDays: validityDays,
	}
}

// Inbound returns the resolved inbound descriptor.
func (s *ProvisionService) Inbound() *xray.Inbound {
	return s.inbound
}

// PublicHost returns the host links point at.
func (s *ProvisionService) PublicHost() string {
	return s.publicHost
}

func (s *ProvisionService) newEmail(ownerId int64) string {
	return fmt.Sprintf("u%d.%s@%s", ownerId, strings.ToLower(random.Seq(8)), s.inbound.Tag)
}

func (s *ProvisionService) buildLink(email, uuid, flow, remark string) *xray.Link {
	return xray.BuildLink(xray.LinkParams{
		Uuid:       uuid,
		Email:      email,
		Flow:       flow,
		Remark:     remark,
		Inbound:    s.inbound,
		PublicHost: s.publicHost,
	})
}

// CreateCredential provisions a new credential for the owner. The quota
// check runs before any engine call; an engine failure leaves no record.
func (s *ProvisionService) CreateCredential(ctx context.Context, ownerId int64, remark, flow string) (*model.Credential, error) {
	if s.publicHost == "" {
		return nil, fmt.Errorf("%w: public host not configured", ErrValidation)
	}

	db := database.GetDB()
	var active int64
	err := db.Model(&model.Credential{}).
		Where("owner_id = ? AND enable = ?", ownerId, true).
		Count(&active).Error
	if err != nil {
		return nil, err
	}
	if active >= int64(s.maxPerOwner) {
		return nil, fmt.Errorf("%w: owner %d has %d active credentials (max %d)",
			ErrQuotaExceeded, ownerId, active, s.maxPerOwner)
	}

	if flow == "" {
		flow = s.defaultFlow
	}
	email := s.newEmail(ownerId)
	secret := uuid.NewString()

	if err := s.client.AddUser(ctx, s.inbound.Tag, email, secret, flow, 0); err != nil {
		return nil, &ConnectivityError{Op: "add user", Err: err}
	}

	link := s.buildLink(email, secret, flow, remark)
	rawParams, _ := json.Marshal(link.Raw)

	credential := &model.Credential{
		OwnerId:    ownerId,
		Email:      email,
		Uuid:       secret,
		Flow:       flow,
		Remark:     remark,
		InboundTag: s.inbound.Tag,
		Port:       s.inbound.Port,
		Security:   s.inbound.Security,
		Link:       link.URI,
		RawParams:  string(rawParams),
		Enable:     true,
		ExpiryTime: time.Now().AddDate(0, 0, s.validityDays).UnixMilli(),
	}
	if err := db.Create(credential).Error; err != nil {
		// Keep the engine consistent with the store.
		if removeErr := s.client.RemoveUser(ctx, s.inbound.Tag, email); removeErr != nil {
			logger.Warningf("rollback of engine user %s failed: %v", email, removeErr)
		}
		return nil, err
	}

	db.Create(&model.ClientTraffic{CredentialId: credential.Id, Email: email, LastReset: time.Now().UnixMilli()})

	logger.Infof("created credential %s for owner %d", email, ownerId)
	return credential, nil
}

func (s *ProvisionService) findActive(credentialId, ownerId int64) (*model.Credential, error) {
	var credential model.Credential
	err := database.GetDB().
		Where("id = ? AND owner_id = ? AND enable = ?", credentialId, ownerId, true).
		First(&credential).Error
	if err != nil {
		if database.IsNotFound(err) {
			return nil, fmt.Errorf("%w: id %d", ErrNotFound, credentialId)
		}
		return nil, err
	}
	return &credential, nil
}

// RemoveCredential soft-deletes a credential after removing it from the
// engine. Removing an already-inactive credential is ErrNotFound, so a
// repeat delete never issues a second engine call.
func (s *ProvisionService) RemoveCredential(ctx context.Context, credentialId, ownerId int64) error {
	credential, err := s.findActive(credentialId, ownerId)
	if err != nil {
		return err
	}

	if err := s.client.RemoveUser(ctx, credential.InboundTag, credential.Email); err != nil {
		return &ConnectivityError{Op: "remove user", Err: err}
	}

	return database.GetDB().Model(credential).Update("enable", false).Error
}

// GetTraffic reads the credential's engine counters, persists a bounded
// snapshot, and returns cumulative totals.
func (s *ProvisionService) GetTraffic(ctx context.Context, credentialId, ownerId int64, reset bool) (*TrafficInfo, error) {
	credential, err := s.findActive(credentialId, ownerId)
	if err != nil {
		return nil, err
	}

	stat, err := s.client.GetTraffic(ctx, credential.Email, reset)
	if err != nil {
		return nil, &ConnectivityError{Op: "get traffic", Err: err}
	}

	s.recordTraffic(credential, stat, reset)

	return &TrafficInfo{
		Up:           stat.Up,
		Down:         stat.Down,
		Total:        stat.Total(),
		ResetApplied: reset,
	}, nil
}

// recordTraffic upserts the cumulative counters and appends to the bounded
// snapshot history, evicting the oldest rows beyond the limit.
func (s *ProvisionService) recordTraffic(credential *model.Credential, stat *xray.TrafficStat, reset bool) {
	db := database.GetDB()
	now := time.Now().UnixMilli()

	updates := map[string]any{
		"email":     credential.Email,
		"up":        stat.Up,
		"down":      stat.Down,
		"total":     stat.Total(),
		"last_sync": now,
	}
	if reset {
		updates["last_reset"] = now
	}
	res := db.Model(&model.ClientTraffic{}).
		Where("credential_id = ?", credential.Id).
		Updates(updates)
	if res.Error == nil && res.RowsAffected == 0 {
		traffic := &model.ClientTraffic{
			CredentialId: credential.Id,
			Email:        credential.Email,
			Up:           stat.Up,
			Down:         stat.Down,
			Total:        stat.Total(),
			LastSync:     now,
		}
		if reset {
			traffic.LastReset = now
		}
		db.Create(traffic)
	}

	db.Create(&model.TrafficSnapshot{
		CredentialId: credential.Id,
		Up:           stat.Up,
		Down:         stat.Down,
		TakenAt:      now,
	})
	db.Where("credential_id = ? AND id NOT IN (?)",
		credential.Id,
		db.Model(&model.TrafficSnapshot{}).
			Select("id").
			Where("credential_id = ?", credential.Id).
			Order("taken_at DESC").
			Limit(trafficHistoryLimit),
	).Delete(&model.TrafficSnapshot{})
}

// ListCredentials returns the owner's active credentials, newest first.
func (s *ProvisionService) ListCredentials(ownerId int64) ([]model.Credential, error) {
	var credentials []model.Credential
	err := database.GetDB().
		Where("owner_id = ? AND enable = ?", ownerId, true).
		Order("created_at DESC").
		Find(&credentials).Error
	return credentials, err
}

// GetCredential returns one active credential with its cached traffic.
func (s *ProvisionService) GetCredential(credentialId, ownerId int64) (*model.Credential, *model.ClientTraffic, error) {
	credential, err := s.findActive(credentialId, ownerId)
	if err != nil {
		return nil, nil, err
	}
	var traffic model.ClientTraffic
	if err := database.GetDB().Where("credential_id = ?", credentialId).First(&traffic).Error; err != nil {
		if !database.IsNotFound(err) {
			return nil, nil, err
		}
		traffic = model.ClientTraffic{CredentialId: credentialId, Email: credential.Email}
	}
	return credential, &traffic, nil
}

// UpdateRemark renames a credential and re-renders its link so the URI
// fragment matches. No engine call involved.
func (s *ProvisionService) UpdateRemark(credentialId, ownerId int64, remark string) error {
	if strings.TrimSpace(remark) == "" {
		return fmt.Errorf("%w: remark is required", ErrValidation)
	}
	credential, err := s.findActive(credentialId, ownerId)
	if err != nil {
		return err
	}
	link := s.buildLink(credential.Email, credential.Uuid, credential.Flow, remark)
	return database.GetDB().Model(credential).Updates(map[string]any{
		"remark": remark,
		"link":   link.URI,
	}).Error
}

// CredentialQR renders the credential link as a PNG QR code.
func (s *ProvisionService) CredentialQR(credentialId, ownerId int64) ([]byte, error) {
	credential, err := s.findActive(credentialId, ownerId)
	if err != nil {
		return nil, err
	}
	return qrcode.Encode(credential.Link, qrcode.Medium, 512)
}

// AdminCreate provisions an engine credential keyed by an explicit
// identity, bypassing ownership and quota. Nothing is persisted; reserved
// for trusted automation.
func (s *ProvisionService) AdminCreate(ctx context.Context, email, flow, remark string) (*xray.Link, string, error) {
	if email == "" {
		email = fmt.Sprintf("adm.%s@%s", strings.ToLower(random.Seq(8)), s.inbound.Tag)
	}
	if flow == "" {
		flow = s.defaultFlow
	}
	secret := uuid.NewString()
	if err := s.client.AddUser(ctx, s.inbound.Tag, email, secret, flow, 0); err != nil {
		return nil, "", &ConnectivityError{Op: "add user", Err: err}
	}
	return s.buildLink(email, secret, flow, remark), secret, nil
}

// AdminRemove drops an engine credential by identity.
func (s *ProvisionService) AdminRemove(ctx context.Context, email string) error {
	if err := s.client.RemoveUser(ctx, s.inbound.Tag, email); err != nil {
		return &ConnectivityError{Op: "remove user", Err: err}
	}
	return nil
}

// AdminTraffic reads engine counters by identity.
func (s *ProvisionService) AdminTraffic(ctx context.Context, email string, reset bool) (*TrafficInfo, error) {
	stat, err := s.client.GetTraffic(ctx, email, reset)
	if err != nil {
		return nil, &ConnectivityError{Op: "get traffic", Err: err}
	}
	return &TrafficInfo{Up: stat.Up, Down: stat.Down, Total: stat.Total(), ResetApplied: reset}, nil
}

// DeactivateOwnerCredentials soft-deletes every active credential of the
// owner. A failed engine removal is logged and the credential is skipped;
// one bad credential never blocks the rest. Returns the deactivated count.
func (s *ProvisionService) DeactivateOwnerCredentials(ctx context.Context, ownerId int64) int {
	credentials, err := s.ListCredentials(ownerId)
	if err != nil {
		logger.Warningf("list credentials of owner %d: %v", ownerId, err)
		return 0
	}

	deactivated := 0
	for i := range credentials {
		credential := &credentials[i]
		if err := s.client.RemoveUser(ctx, credential.InboundTag, credential.Email); err != nil {
			logger.Warningf("engine removal of %s failed, skipping: %v", credential.Email, err)
			continue
		}
		if err := database.GetDB().Model(credential).Update("enable", false).Error; err != nil {
			logger.Warningf("deactivate credential %d: %v", credential.Id, err)
			continue
		}
		deactivated++
	}
	return deactivated
}

// ReactivateOwnerCredentials is the one sanctioned reactivation path: the
// subscription extend flow flips previously-deactivated credentials back
// on, restoring the original secret and link so issued URIs keep working,
// and refreshes their expiry.
func (s *ProvisionService) ReactivateOwnerCredentials(ctx context.Context, ownerId int64, expiryTime int64) int {
	var credentials []model.Credential
	err := database.GetDB().
		Where("owner_id = ? AND enable = ?", ownerId, false).
		Find(&credentials).Error
	if err != nil {
		logger.Warningf("list inactive credentials of owner %d: %v", ownerId, err)
		return 0
	}

	reactivated := 0
	for i := range credentials {
		credential := &credentials[i]
		if err := s.client.AddUser(ctx, credential.InboundTag, credential.Email, credential.Uuid, credential.Flow, 0); err != nil {
			logger.Warningf("engine re-add of %s failed, skipping: %v", credential.Email, err)
			continue
		}
		err := database.GetDB().Model(credential).Updates(map[string]any{
			"enable":      true,
			"expiry_time": expiryTime,
		}).Error
		if err != nil {
			logger.Warningf("reactivate credential %d: %v", credential.Id, err)
			continue
		}
		reactivated++
	}

	// Active credentials just get the refreshed expiry.
	database.GetDB().Model(&model.Credential{}).
		Where("owner_id = ? AND enable = ?", ownerId, true).
		Update("expiry_time", expiryTime)

	return reactivated
}
