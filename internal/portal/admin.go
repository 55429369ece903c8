package portal

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"amposlicense/internal/infrastructure"
	"amposlicense/pkg/contracts/domain"
)

// AdminService implements license management for portal operators
type AdminService struct {
	store     *Store
	keyPrefix string
	logger    *slog.Logger
	now       func() time.Time
}

// NewAdminService creates an admin service issuing keys with keyPrefix
func NewAdminService(store *Store, keyPrefix string, logger *slog.Logger) *AdminService {
	if logger == nil {
		logger = slog.Default()
	}
	if keyPrefix == "" {
		keyPrefix = ProductCategory
	}
	return &AdminService{
		store:     store,
		keyPrefix: strings.ToUpper(keyPrefix),
		logger:    infrastructure.WithComponent(logger, "admin_service"),
		now:       time.Now,
	}
}

// GenerateKey returns PREFIX-XXXXX-XXXXX-XXXXX-XXXXX with uppercase hex groups
func GenerateKey(prefix string) (string, error) {
	groups := make([]string, 0, 4)
	buf := make([]byte, 3)
	for i := 0; i < 4; i++ {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("read random bytes: %w", err)
		}
		groups = append(groups, strings.ToUpper(hex.EncodeToString(buf)[:5]))
	}
	return prefix + "-" + strings.Join(groups, "-"), nil
}

// CreateCustomer inserts a customer
func (s *AdminService) CreateCustomer(ctx context.Context, c *Customer) error {
	c.Email = strings.ToLower(strings.TrimSpace(c.Email))
	if err := s.store.db.WithContext(ctx).Create(c).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(err.Error(), "UNIQUE") {
			return ErrDuplicate
		}
		return fmt.Errorf("create customer: %w", err)
	}
	return nil
}

// CreateProduct inserts a product; an empty category defaults to AMPOS
func (s *AdminService) CreateProduct(ctx context.Context, p *Product) error {
	if p.Category == "" {
		p.Category = ProductCategory
	}
	if p.MaxDevices <= 0 {
		p.MaxDevices = 1
	}
	if p.LicenseDurationDays <= 0 {
		p.LicenseDurationDays = 365
	}
	if err := s.store.db.WithContext(ctx).Create(p).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(err.Error(), "UNIQUE") {
			return ErrDuplicate
		}
		return fmt.Errorf("create product: %w", err)
	}
	return nil
}

// GenerateLicense issues a new license for an AMPOS product. Max devices and
// expiry come from the product. An empty status means active.
func (s *AdminService) GenerateLicense(ctx context.Context, customerID, productID uint, status domain.LicenseStatus) (*License, error) {
	if status == "" {
		status = domain.LicenseStatusActive
	}
	if !validStatus(status) {
		return nil, ErrInvalidStatus
	}

	db := s.store.db.WithContext(ctx)
	var product Product
	if err := db.First(&product, productID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrProductNotFound
		}
		return nil, fmt.Errorf("query product: %w", err)
	}
	if product.Category != ProductCategory {
		return nil, ErrNotAmposProduct
	}
	var customer Customer
	if err := db.First(&customer, customerID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCustomerNotFound
		}
		return nil, fmt.Errorf("query customer: %w", err)
	}

	key, err := GenerateKey(s.keyPrefix)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	expires := now.AddDate(0, 0, product.LicenseDurationDays)
	lic := &License{
		LicenseKey:   key,
		CustomerID:   customer.ID,
		Customer:     customer,
		ProductID:    product.ID,
		Product:      product,
		Status:       status,
		MaxDevices:   product.MaxDevices,
		ExpiresAt:    &expires,
		LastActiveAt: &now,
	}
	if err := db.Omit(clause.Associations).Create(lic).Error; err != nil {
		return nil, fmt.Errorf("create license: %w", err)
	}
	s.logger.InfoContext(ctx, "license generated",
		slog.String("license", maskKey(key)),
		slog.Uint64("customer_id", uint64(customer.ID)),
		slog.String("product", product.Name))
	return lic, nil
}

// LicenseUpdate holds the editable license fields
type LicenseUpdate struct {
	Status     domain.LicenseStatus
	ExpiresAt  *time.Time
	MaxDevices int
}

// UpdateLicense sets status, expiry and max devices. Moving a license back
// to a usable status clears its suspension reason.
func (s *AdminService) UpdateLicense(ctx context.Context, id uint, u LicenseUpdate) (*License, error) {
	if !validStatus(u.Status) {
		return nil, ErrInvalidStatus
	}
	updates := map[string]any{
		"status":      u.Status,
		"expires_at":  u.ExpiresAt,
		"max_devices": u.MaxDevices,
	}
	if u.Status.Usable() {
		updates["suspension_reason"] = nil
	}
	db := s.store.db.WithContext(ctx)
	res := db.Model(&License{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return nil, fmt.Errorf("update license: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, ErrLicenseNotFound
	}
	s.logger.InfoContext(ctx, "license updated", slog.Uint64("license_id", uint64(id)), slog.String("status", string(u.Status)))
	return s.License(ctx, id)
}

// ReleaseLicense unbinds the license from its installation so it can be
// activated on a new device.
func (s *AdminService) ReleaseLicense(ctx context.Context, id uint) error {
	return s.store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&License{}).Where("id = ?", id).Update("bound_installation_id", nil)
		if res.Error != nil {
			return fmt.Errorf("release license: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrLicenseNotFound
		}
		if err := tx.Where("license_id = ?", id).Delete(&LicenseActivation{}).Error; err != nil {
			return fmt.Errorf("clear activations: %w", err)
		}
		return nil
	})
}

// DeleteLicense removes a license and its activations. Incidents are kept.
func (s *AdminService) DeleteLicense(ctx context.Context, id uint) error {
	return s.store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("license_id = ?", id).Delete(&LicenseActivation{}).Error; err != nil {
			return fmt.Errorf("delete activations: %w", err)
		}
		res := tx.Delete(&License{}, id)
		if res.Error != nil {
			return fmt.Errorf("delete license: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrLicenseNotFound
		}
		return nil
	})
}

// License loads one license with customer and product
func (s *AdminService) License(ctx context.Context, id uint) (*License, error) {
	var lic License
	err := s.store.db.WithContext(ctx).Preload("Customer").Preload("Product").First(&lic, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrLicenseNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query license: %w", err)
	}
	return &lic, nil
}

// ListLicenses returns AMPOS licenses, newest first
func (s *AdminService) ListLicenses(ctx context.Context) ([]License, error) {
	var out []License
	err := s.store.db.WithContext(ctx).
		Select("licenses.*").
		Preload("Customer").Preload("Product").
		Joins("LEFT JOIN products ON products.id = licenses.product_id").
		Where("products.category = ? OR licenses.license_key LIKE ?", ProductCategory, s.keyPrefix+"-%").
		Order("licenses.created_at DESC, licenses.id DESC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("list licenses: %w", err)
	}
	return out, nil
}

// TierStat counts licenses per product
type TierStat struct {
	ProductID uint    `json:"product_id"`
	Name      string  `json:"name"`
	Price     float64 `json:"price"`
	Licenses  int64   `json:"licenses"`
}

// TierStats returns the license count of every AMPOS product, cheapest first
func (s *AdminService) TierStats(ctx context.Context) ([]TierStat, error) {
	var out []TierStat
	err := s.store.db.WithContext(ctx).Model(&Product{}).
		Select("products.id AS product_id, products.name, products.price, COUNT(licenses.id) AS licenses").
		Joins("LEFT JOIN licenses ON licenses.product_id = products.id").
		Where("products.category = ?", ProductCategory).
		Group("products.id, products.name, products.price").
		Order("products.price ASC").
		Scan(&out).Error
	if err != nil {
		return nil, fmt.Errorf("tier stats: %w", err)
	}
	return out, nil
}

// ListIncidents returns incidents newest first; licenseKey filters when set
// and limit <= 0 means no limit.
func (s *AdminService) ListIncidents(ctx context.Context, licenseKey string, limit int) ([]SecurityIncident, error) {
	q := s.store.db.WithContext(ctx).Order("created_at DESC, id DESC")
	if licenseKey != "" {
		q = q.Where("license_key = ?", licenseKey)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []SecurityIncident
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list incidents: %w", err)
	}
	return out, nil
}

// RegisterChecksum records the expected fingerprint of a release, replacing
// any previous value for the version.
func (s *AdminService) RegisterChecksum(ctx context.Context, version, checksum string) (*ReleaseChecksum, error) {
	rc := &ReleaseChecksum{Version: version, Checksum: strings.ToLower(checksum)}
	err := s.store.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "version"}},
		DoUpdates: clause.AssignmentColumns([]string{"checksum", "updated_at"}),
	}).Create(rc).Error
	if err != nil {
		return nil, fmt.Errorf("register checksum: %w", err)
	}
	s.logger.InfoContext(ctx, "release checksum registered", slog.String("version", version))
	return rc, nil
}

func validStatus(s domain.LicenseStatus) bool {
	switch s {
	case domain.LicenseStatusActive, domain.LicenseStatusFree, domain.LicenseStatusExpired,
		domain.LicenseStatusRevoked, domain.LicenseStatusSuspended:
		return true
	}
	return false
}
