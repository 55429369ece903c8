package portal

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"amposlicense/internal/notify"
	"amposlicense/pkg/contracts/domain"
)

var testNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	store, err := Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

type fixture struct {
	store    *Store
	admin    *AdminService
	checkin  *CheckInService
	incident *IncidentService
	notifier *recordingNotifier
	customer *Customer
	product  *Product
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := newTestStore(t)
	f := &fixture{
		store:    store,
		admin:    NewAdminService(store, "AMPOS", discardLogger()),
		checkin:  NewCheckInService(store, discardLogger(), nil),
		notifier: &recordingNotifier{},
	}
	f.incident = NewIncidentService(store, f.notifier,
		IncidentConfig{AdminEmail: "admin@example.com", SupportEmail: "support@example.com"},
		discardLogger(), nil)
	clock := func() time.Time { return testNow }
	f.admin.now, f.checkin.now, f.incident.now = clock, clock, clock

	ctx := context.Background()
	f.customer = &Customer{Email: "Owner@Example.com", FirstName: "Ada", LastName: "Lovelace"}
	require.NoError(t, f.admin.CreateCustomer(ctx, f.customer))
	f.product = &Product{Name: "AMPOS Pro", Price: 10, MaxDevices: 1, LicenseDurationDays: 30}
	require.NoError(t, f.admin.CreateProduct(ctx, f.product))
	return f
}

func (f *fixture) license(t *testing.T, status domain.LicenseStatus) *License {
	t.Helper()
	lic, err := f.admin.GenerateLicense(context.Background(), f.customer.ID, f.product.ID, status)
	require.NoError(t, err)
	return lic
}

func (f *fixture) reload(t *testing.T, id uint) *License {
	t.Helper()
	lic, err := f.admin.License(context.Background(), id)
	require.NoError(t, err)
	return lic
}

func checkInRequest(key, device string) domain.CheckInRequest {
	return domain.CheckInRequest{
		LicenseKey: key,
		Checksum:   strings.Repeat("ab", 32),
		DeviceID:   device,
		Hostname:   "host-" + device,
		Version:    "2.0.0",
		Timestamp:  testNow.Unix(),
	}
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Message
	err  error
}

func (n *recordingNotifier) Send(_ context.Context, msg notify.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	return n.err
}

func (n *recordingNotifier) recipients() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, m := range n.sent {
		out = append(out, m.To...)
	}
	return out
}

type recordingPublisher struct {
	mu        sync.Mutex
	incidents []domain.Incident
	suspended []bool
}

func (p *recordingPublisher) PublishIncident(_ context.Context, inc domain.Incident, suspended bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.incidents = append(p.incidents, inc)
	p.suspended = append(p.suspended, suspended)
}
