package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"amposlicense/internal/portal"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newStore(t *testing.T) *portal.Store {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	store, err := portal.Open(fmt.Sprintf("file:http_%s?mode=memory&cache=shared", name))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func jsonRequest(t *testing.T, method, target string, body any) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.([]byte); ok {
			buf.Write(raw)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

// seedLicense creates a customer, an AMPOS product and an active license
func seedLicense(t *testing.T, admin *portal.AdminService) *portal.License {
	t.Helper()
	ctx := context.Background()
	c := &portal.Customer{Email: "owner@example.com", FirstName: "Grace", LastName: "Hopper"}
	require.NoError(t, admin.CreateCustomer(ctx, c))
	p := &portal.Product{Name: "AMPOS Pro", Category: portal.ProductCategory, Price: 10, MaxDevices: 1, LicenseDurationDays: 30}
	require.NoError(t, admin.CreateProduct(ctx, p))
	lic, err := admin.GenerateLicense(ctx, c.ID, p.ID, "")
	require.NoError(t, err)
	return lic
}
