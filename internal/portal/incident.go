package portal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"amposlicense/internal/infrastructure"
	"amposlicense/internal/notify"
	"amposlicense/pkg/contracts/domain"
)

// IncidentPublisher receives every recorded incident, e.g. the admin live feed
type IncidentPublisher interface {
	PublishIncident(ctx context.Context, incident domain.Incident, suspended bool)
}

// IncidentMirror copies incidents to an external system
type IncidentMirror interface {
	AppendIncident(ctx context.Context, incident *SecurityIncident, suspended bool) error
}

// IncidentConfig configures notification recipients
type IncidentConfig struct {
	AdminEmail   string
	SupportEmail string
}

// IncidentService handles security alerts from clients
type IncidentService struct {
	store     *Store
	notifier  notify.Notifier
	publisher IncidentPublisher
	mirror    IncidentMirror
	cfg       IncidentConfig
	logger    *slog.Logger
	metrics   *Metrics
	now       func() time.Time
}

// NewIncidentService creates an incident service. publisher and mirror are
// optional.
func NewIncidentService(store *Store, notifier notify.Notifier, cfg IncidentConfig, logger *slog.Logger, metrics *Metrics) *IncidentService {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = notify.LogNotifier{Logger: logger}
	}
	return &IncidentService{
		store:    store,
		notifier: notifier,
		cfg:      cfg,
		logger:   infrastructure.WithComponent(logger, "incident_service"),
		metrics:  metrics,
		now:      time.Now,
	}
}

// SetPublisher attaches a live incident publisher
func (s *IncidentService) SetPublisher(p IncidentPublisher) { s.publisher = p }

// SetMirror attaches an incident mirror
func (s *IncidentService) SetMirror(m IncidentMirror) { s.mirror = m }

// HandleAlert records a security alert. For tampering_detected the license
// is suspended in the same transaction; the suspension is a conditional
// update, so repeated alerts leave it suspended without error. Unknown
// licenses are acknowledged with success=false and nothing is written.
func (s *IncidentService) HandleAlert(ctx context.Context, alert domain.SecurityAlert, remoteIP string) (*domain.AlertResponse, error) {
	ip := alert.IPAddress
	if ip == "" {
		ip = remoteIP
	}
	s.logger.WarnContext(ctx, "AMPOS SECURITY ALERT",
		slog.Bool("security_alert", true),
		slog.String("event", string(alert.Event)),
		slog.String("reason", alert.Reason),
		slog.String("license", maskKey(alert.LicenseKey)),
		slog.String("ip_address", ip))

	payload, err := json.Marshal(alert)
	if err != nil {
		return nil, fmt.Errorf("encode alert payload: %w", err)
	}

	reported := s.now().UTC()
	if alert.Timestamp > 0 {
		reported = time.Unix(alert.Timestamp, 0).UTC()
	}

	var (
		lic       *License
		incident  SecurityIncident
		suspended bool
	)
	err = s.store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		lic, err = licenseByKey(tx, alert.LicenseKey)
		if err != nil {
			return err
		}

		incident = SecurityIncident{
			LicenseID:  lic.ID,
			LicenseKey: lic.LicenseKey,
			EventType:  alert.Event,
			Reason:     alert.Reason,
			DeviceID:   alert.DeviceID,
			Hostname:   alert.Hostname,
			IPAddress:  ip,
			Payload:    string(payload),
			ReportedAt: reported,
		}
		if err := tx.Create(&incident).Error; err != nil {
			return fmt.Errorf("insert incident: %w", err)
		}

		if !alert.Event.Suspends() {
			return nil
		}
		res := tx.Model(&License{}).
			Where("id = ? AND status <> ?", lic.ID, domain.LicenseStatusSuspended).
			Updates(map[string]any{
				"status":            domain.LicenseStatusSuspended,
				"suspension_reason": "Security violation: " + alert.Reason,
			})
		if res.Error != nil {
			return fmt.Errorf("suspend license: %w", res.Error)
		}
		suspended = true
		if res.RowsAffected > 0 {
			s.metrics.add(ctx, s.metrics.Suspensions)
		}
		return nil
	})
	if errors.Is(err, ErrLicenseNotFound) {
		s.logger.WarnContext(ctx, "security alert for unknown license",
			slog.String("license", maskKey(alert.LicenseKey)))
		return &domain.AlertResponse{Success: false, Error: "License not found"}, nil
	}
	if err != nil {
		infrastructure.RecordError(ctx, err)
		s.logger.ErrorContext(ctx, "failed to record security alert", slog.String("error", err.Error()))
		return nil, err
	}
	s.metrics.add(ctx, s.metrics.Incidents, attribute.String("event", string(alert.Event)))

	if suspended {
		s.notify(ctx, lic, &incident)
	}
	s.fanOut(ctx, &incident, suspended)

	resp := &domain.AlertResponse{
		Success:    true,
		Message:    "Security incident recorded",
		IncidentID: incident.ID,
	}
	if suspended {
		resp.Message = "Security incident recorded and license suspended"
		resp.LicenseSuspended = true
	}
	return resp, nil
}

// notify sends the holder and operator notices concurrently. Failures are
// logged; the incident is already committed.
func (s *IncidentService) notify(ctx context.Context, lic *License, incident *SecurityIncident) {
	notice := notify.TamperNotice{
		CustomerName: lic.Customer.FullName(),
		LicenseKey:   lic.LicenseKey,
		ProductName:  lic.Product.Name,
		Event:        string(incident.EventType),
		Reason:       incident.Reason,
		DeviceID:     incident.DeviceID,
		Hostname:     incident.Hostname,
		IPAddress:    incident.IPAddress,
		IncidentID:   incident.ID,
		Suspended:    true,
		OccurredAt:   incident.ReportedAt,
		SupportEmail: s.cfg.SupportEmail,
	}

	var g errgroup.Group
	if lic.Customer.Email != "" {
		g.Go(func() error {
			return s.send(ctx, "holder", func() (notify.Message, error) {
				return notify.HolderTamperMessage(lic.Customer.Email, notice)
			})
		})
	}
	if s.cfg.AdminEmail != "" {
		g.Go(func() error {
			return s.send(ctx, "operator", func() (notify.Message, error) {
				return notify.OperatorTamperMessage(s.cfg.AdminEmail, notice)
			})
		})
	}
	_ = g.Wait()
}

func (s *IncidentService) send(ctx context.Context, recipient string, build func() (notify.Message, error)) error {
	result := "sent"
	defer func() {
		s.metrics.add(ctx, s.metrics.Notices,
			attribute.String("recipient", recipient), attribute.String("result", result))
	}()
	msg, err := build()
	if err == nil {
		err = s.notifier.Send(ctx, msg)
	}
	if err != nil {
		result = "failed"
		s.logger.WarnContext(ctx, "security notice not delivered",
			slog.String("recipient", recipient),
			slog.String("error", err.Error()))
	}
	return nil
}

func (s *IncidentService) fanOut(ctx context.Context, incident *SecurityIncident, suspended bool) {
	if s.publisher != nil {
		s.publisher.PublishIncident(ctx, incident.ToDomain(), suspended)
	}
	if s.mirror != nil {
		if err := s.mirror.AppendIncident(ctx, incident, suspended); err != nil {
			s.logger.WarnContext(ctx, "incident mirror failed",
				slog.Uint64("incident_id", uint64(incident.ID)),
				slog.String("error", err.Error()))
		}
	}
}
