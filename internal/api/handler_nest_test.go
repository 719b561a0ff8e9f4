package api

import (
	"net/http"
	"testing"

	"github.com/guardant/guardant/internal/model"
)

func TestNestLifecycle(t *testing.T) {
	fx := newAPIFixture(t)

	// Create.
	resp := fx.do(http.MethodPost, "/api/nests", testAdminToken, map[string]any{
		"subdomain":   "acme",
		"name":        "Acme Corp",
		"owner_email": "owner@acme.test",
	})
	wantStatus(t, resp, http.StatusCreated)
	var nest model.Nest
	decodeInto(t, resp, &nest)
	if nest.ID == "" || nest.Subdomain != "acme" {
		t.Fatalf("created nest = %+v", nest)
	}
	if !nest.IsActive {
		t.Fatal("new nest must be active")
	}
	if nest.Subscription.Tier != model.TierFree {
		t.Fatalf("default tier = %q, want free", nest.Subscription.Tier)
	}

	// Duplicate subdomain conflicts.
	resp = fx.do(http.MethodPost, "/api/nests", testAdminToken, map[string]any{
		"subdomain":   "acme",
		"name":        "Imposter",
		"owner_email": "other@acme.test",
	})
	wantErrorCode(t, resp, http.StatusConflict, "CONFLICT")

	// A subdomain with invalid characters is rejected.
	resp = fx.do(http.MethodPost, "/api/nests", testAdminToken, map[string]any{
		"subdomain":   "Not_DNS_Safe",
		"name":        "Bad",
		"owner_email": "bad@acme.test",
	})
	wantErrorCode(t, resp, http.StatusBadRequest, "INVALID_ARGUMENT")

	// Get.
	resp = fx.do(http.MethodGet, "/api/nests/"+nest.ID, testAdminToken, nil)
	wantStatus(t, resp, http.StatusOK)
	var got model.Nest
	decodeInto(t, resp, &got)
	if got.ID != nest.ID {
		t.Fatalf("got nest %s, want %s", got.ID, nest.ID)
	}

	// Rename.
	resp = fx.do(http.MethodPatch, "/api/nests/"+nest.ID, testAdminToken, map[string]any{
		"name": "Acme Corporation",
	})
	wantStatus(t, resp, http.StatusOK)
	decodeInto(t, resp, &got)
	if got.Name != "Acme Corporation" {
		t.Fatalf("name after patch = %q", got.Name)
	}
	if got.UpdatedAtNs <= nest.UpdatedAtNs {
		t.Fatal("update must advance updated_at_ns")
	}

	// Deactivate.
	resp = fx.do(http.MethodDelete, "/api/nests/"+nest.ID, testAdminToken, nil)
	wantStatus(t, resp, http.StatusNoContent)
	resp.Body.Close()

	resp = fx.do(http.MethodGet, "/api/nests/"+nest.ID, testAdminToken, nil)
	wantStatus(t, resp, http.StatusOK)
	decodeInto(t, resp, &got)
	if got.IsActive {
		t.Fatal("nest should be deactivated, not deleted")
	}
}

func TestNestCreateRequiresPlatformAdmin(t *testing.T) {
	fx := newAPIFixture(t)
	fx.seedNest("nest-a", "acme", 0)
	fx.seedUserToken("user-token", "u1", "nest-a")

	resp := fx.do(http.MethodPost, "/api/nests", "user-token", map[string]any{
		"subdomain":   "rogue",
		"name":        "Rogue",
		"owner_email": "rogue@example.com",
	})
	wantErrorCode(t, resp, http.StatusForbidden, "FORBIDDEN")

	resp = fx.do(http.MethodDelete, "/api/nests/nest-a", "user-token", nil)
	wantErrorCode(t, resp, http.StatusForbidden, "FORBIDDEN")
}

func TestNestScoping(t *testing.T) {
	fx := newAPIFixture(t)
	fx.seedNest("nest-a", "acme", 0)
	fx.seedNest("nest-b", "globex", 0)
	fx.seedUserToken("token-a", "u1", "nest-a")

	// A nest user only sees their own nest in the listing.
	resp := fx.do(http.MethodGet, "/api/nests", "token-a", nil)
	wantStatus(t, resp, http.StatusOK)
	var mine []*model.Nest
	decodeInto(t, resp, &mine)
	if len(mine) != 1 || mine[0].ID != "nest-a" {
		t.Fatalf("nest user listing = %+v, want only nest-a", mine)
	}

	// Another tenant's nest is off limits.
	resp = fx.do(http.MethodGet, "/api/nests/nest-b", "token-a", nil)
	wantErrorCode(t, resp, http.StatusForbidden, "FORBIDDEN")

	// Subscription changes stay admin-only even on the user's own nest.
	resp = fx.do(http.MethodPatch, "/api/nests/nest-a", "token-a", map[string]any{
		"subscription": map[string]any{"tier": "unlimited"},
	})
	wantErrorCode(t, resp, http.StatusForbidden, "FORBIDDEN")

	// Admins list everything.
	resp = fx.do(http.MethodGet, "/api/nests", testAdminToken, nil)
	wantStatus(t, resp, http.StatusOK)
	var page PageResponse[*model.Nest]
	decodeInto(t, resp, &page)
	if page.Total != 2 {
		t.Fatalf("admin listing total = %d, want 2", page.Total)
	}
}
