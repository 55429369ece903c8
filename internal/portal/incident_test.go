package portal

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"amposlicense/pkg/contracts/domain"
)

func tamperAlert(key string) domain.SecurityAlert {
	return domain.SecurityAlert{
		LicenseKey: key,
		Event:      domain.EventTamperingDetected,
		Reason:     "Local file integrity check failed",
		DeviceID:   "dev-1",
		Hostname:   "node-1",
		Timestamp:  testNow.Add(-5 * time.Minute).Unix(),
	}
}

func countIncidents(t *testing.T, f *fixture) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.store.DB().Model(&SecurityIncident{}).Count(&n).Error)
	return n
}

func TestHandleAlertUnknownLicense(t *testing.T) {
	f := newFixture(t)
	resp, err := f.incident.HandleAlert(context.Background(), tamperAlert("AMPOS-NOPE0-NOPE0-NOPE0-NOPE0"), "198.51.100.1")
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, "License not found", resp.Error)
	assert.Zero(t, countIncidents(t, f))
	assert.Empty(t, f.notifier.recipients())
}

func TestHandleAlertSuspendsOnTampering(t *testing.T) {
	f := newFixture(t)
	pub := &recordingPublisher{}
	f.incident.SetPublisher(pub)
	lic := f.license(t, domain.LicenseStatusActive)

	resp, err := f.incident.HandleAlert(context.Background(), tamperAlert(lic.LicenseKey), "198.51.100.1")
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.True(t, resp.LicenseSuspended)
	assert.NotZero(t, resp.IncidentID)
	assert.Equal(t, "Security incident recorded and license suspended", resp.Message)

	stored := f.reload(t, lic.ID)
	assert.Equal(t, domain.LicenseStatusSuspended, stored.Status)
	require.NotNil(t, stored.SuspensionReason)
	assert.Equal(t, "Security violation: Local file integrity check failed", *stored.SuspensionReason)

	var inc SecurityIncident
	require.NoError(t, f.store.DB().First(&inc, resp.IncidentID).Error)
	assert.Equal(t, "198.51.100.1", inc.IPAddress, "remote address is used when the alert omits it")
	assert.True(t, inc.ReportedAt.Equal(testNow.Add(-5 * time.Minute)))
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(inc.Payload), &payload))
	assert.Equal(t, "tampering_detected", payload["event"])

	assert.ElementsMatch(t, []string{"owner@example.com", "admin@example.com"}, f.notifier.recipients())
	require.Len(t, pub.incidents, 1)
	assert.Equal(t, resp.IncidentID, pub.incidents[0].ID)
	assert.True(t, pub.suspended[0])
}

func TestHandleAlertIdempotentSuspension(t *testing.T) {
	f := newFixture(t)
	lic := f.license(t, domain.LicenseStatusActive)
	ctx := context.Background()

	first, err := f.incident.HandleAlert(ctx, tamperAlert(lic.LicenseKey), "")
	require.NoError(t, err)
	second, err := f.incident.HandleAlert(ctx, tamperAlert(lic.LicenseKey), "")
	require.NoError(t, err)

	assert.True(t, first.Success)
	assert.True(t, second.Success)
	assert.NotEqual(t, first.IncidentID, second.IncidentID)
	assert.Equal(t, int64(2), countIncidents(t, f))
	assert.Equal(t, domain.LicenseStatusSuspended, f.reload(t, lic.ID).Status)
}

func TestHandleAlertWarningDoesNotSuspend(t *testing.T) {
	f := newFixture(t)
	lic := f.license(t, domain.LicenseStatusActive)
	alert := tamperAlert(lic.LicenseKey)
	alert.Event = domain.EventIntegrityWarning
	alert.IPAddress = "203.0.113.9"

	resp, err := f.incident.HandleAlert(context.Background(), alert, "198.51.100.1")
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.False(t, resp.LicenseSuspended)
	assert.Equal(t, "Security incident recorded", resp.Message)
	assert.Equal(t, domain.LicenseStatusActive, f.reload(t, lic.ID).Status)
	assert.Empty(t, f.notifier.recipients())

	incidents, err := f.admin.ListIncidents(context.Background(), lic.LicenseKey, 0)
	require.NoError(t, err)
	require.Len(t, incidents, 1)
	assert.Equal(t, "203.0.113.9", incidents[0].IPAddress)
}

func TestHandleAlertNotifierFailureIsIgnored(t *testing.T) {
	f := newFixture(t)
	f.notifier.err = errors.New("smtp down")
	lic := f.license(t, domain.LicenseStatusActive)

	resp, err := f.incident.HandleAlert(context.Background(), tamperAlert(lic.LicenseKey), "")
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Len(t, f.notifier.recipients(), 2, "both sends are attempted")
}

type failingMirror struct{ calls int }

func (m *failingMirror) AppendIncident(context.Context, *SecurityIncident, bool) error {
	m.calls++
	return errors.New("quota exceeded")
}

func TestHandleAlertMirrorFailureIsIgnored(t *testing.T) {
	f := newFixture(t)
	mirror := &failingMirror{}
	f.incident.SetMirror(mirror)
	lic := f.license(t, domain.LicenseStatusActive)

	resp, err := f.incident.HandleAlert(context.Background(), tamperAlert(lic.LicenseKey), "")
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, 1, mirror.calls)
}
