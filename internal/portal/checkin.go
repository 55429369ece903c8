package portal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"amposlicense/internal/infrastructure"
	"amposlicense/internal/security"
	"amposlicense/pkg/contracts/domain"
)

// CheckInService answers client check-ins
type CheckInService struct {
	store   *Store
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time
}

// NewCheckInService creates a check-in service
func NewCheckInService(store *Store, logger *slog.Logger, metrics *Metrics) *CheckInService {
	if logger == nil {
		logger = slog.Default()
	}
	return &CheckInService{
		store:   store,
		logger:  infrastructure.WithComponent(logger, "checkin_service"),
		metrics: metrics,
		now:     time.Now,
	}
}

// CheckIn validates a license for one device and build. The checks run in
// order: existence, status, expiry, release checksum, device binding. A
// rejection is a normal verdict, not an error; err is only set when the
// database fails.
func (s *CheckInService) CheckIn(ctx context.Context, req domain.CheckInRequest) (*domain.CheckInResponse, error) {
	now := s.now().UTC()
	var resp *domain.CheckInResponse

	err := s.store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		lic, err := licenseByKey(tx, req.LicenseKey)
		if errors.Is(err, ErrLicenseNotFound) {
			resp = reject(domain.ReasonNotFound, "License not found")
			return nil
		}
		if err != nil {
			return err
		}

		if !lic.Status.Usable() {
			resp = reject(string(lic.Status), fmt.Sprintf("License is %s", lic.Status))
			return nil
		}

		if lic.ExpiresAt != nil && now.After(*lic.ExpiresAt) {
			if err := tx.Model(&License{}).Where("id = ?", lic.ID).
				Update("status", domain.LicenseStatusExpired).Error; err != nil {
				return fmt.Errorf("mark license expired: %w", err)
			}
			resp = reject(domain.ReasonExpired, "License has expired")
			return nil
		}

		mismatch, err := checksumMismatch(tx, req.Version, req.Checksum)
		if err != nil {
			return err
		}
		if mismatch {
			resp = reject(domain.ReasonChecksumMismatch, "Installation does not match the released build")
			return nil
		}

		ok, err := s.bindDevice(tx, lic, req, now)
		if err != nil {
			return err
		}
		if !ok {
			resp = reject(domain.ReasonDeviceLimit, "License is already in use on the maximum number of devices")
			return nil
		}

		if err := tx.Model(&License{}).Where("id = ?", lic.ID).
			Update("last_active_at", now).Error; err != nil {
			return fmt.Errorf("update last active: %w", err)
		}
		info := lic.Info()
		resp = &domain.CheckInResponse{Valid: true, License: &info}
		return nil
	})
	if err != nil {
		s.metrics.add(ctx, s.metrics.CheckIns, attribute.String("outcome", "error"))
		infrastructure.RecordError(ctx, err)
		s.logger.ErrorContext(ctx, "check-in failed", slog.String("error", err.Error()))
		return nil, err
	}

	outcome := "valid"
	if !resp.Valid {
		outcome = resp.Reason
	}
	s.metrics.add(ctx, s.metrics.CheckIns, attribute.String("outcome", outcome))
	s.logger.InfoContext(ctx, "check-in processed",
		slog.String("license", maskKey(req.LicenseKey)),
		slog.String("device_id", req.DeviceID),
		slog.String("version", req.Version),
		slog.String("outcome", outcome))
	return resp, nil
}

func reject(reason, message string) *domain.CheckInResponse {
	return &domain.CheckInResponse{Valid: false, Reason: reason, Message: message}
}

// checksumMismatch is false when no checksum is registered for version
func checksumMismatch(tx *gorm.DB, version, checksum string) (bool, error) {
	var rc ReleaseChecksum
	err := tx.Where("version = ?", version).First(&rc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query release checksum: %w", err)
	}
	return !security.SecureCompare(
		[]byte(strings.ToLower(rc.Checksum)),
		[]byte(strings.ToLower(checksum)),
	), nil
}

// bindDevice records the activation and reports whether the device may use
// the license. The first device is also stored as the bound installation.
func (s *CheckInService) bindDevice(tx *gorm.DB, lic *License, req domain.CheckInRequest, now time.Time) (bool, error) {
	var existing LicenseActivation
	err := tx.Where("license_id = ? AND device_id = ?", lic.ID, req.DeviceID).First(&existing).Error
	switch {
	case err == nil:
		return true, tx.Model(&existing).Updates(map[string]any{
			"hostname":     req.Hostname,
			"last_seen_at": now,
		}).Error
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return false, fmt.Errorf("query activation: %w", err)
	}

	var count int64
	if err := tx.Model(&LicenseActivation{}).Where("license_id = ?", lic.ID).Count(&count).Error; err != nil {
		return false, fmt.Errorf("count activations: %w", err)
	}
	if lic.MaxDevices > 0 && int(count) >= lic.MaxDevices {
		return false, nil
	}

	act := LicenseActivation{LicenseID: lic.ID, DeviceID: req.DeviceID, Hostname: req.Hostname, LastSeenAt: now}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&act).Error; err != nil {
		return false, fmt.Errorf("create activation: %w", err)
	}
	if lic.BoundInstallationID == nil {
		device := req.DeviceID
		if err := tx.Model(&License{}).Where("id = ? AND bound_installation_id IS NULL", lic.ID).
			Update("bound_installation_id", device).Error; err != nil {
			return false, fmt.Errorf("bind installation: %w", err)
		}
		lic.BoundInstallationID = &device
	}
	return true, nil
}

func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "****" + key[len(key)-4:]
}
