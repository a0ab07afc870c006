package identity

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	gateway "github.com/eugener/gandalf/internal"
	"github.com/eugener/gandalf/internal/cache"
	"github.com/eugener/gandalf/internal/cachekeys"
)

type fakeMembershipStore struct {
	identities map[string]*gateway.Identity // key: orgID+"/"+externalID
	provision  func(orgID, externalID string) (*gateway.Identity, error)
	synced     bool
}

func (f *fakeMembershipStore) Identity(_ context.Context, orgID, externalID string) (*gateway.Identity, error) {
	if id, ok := f.identities[orgID+"/"+externalID]; ok {
		return id, nil
	}
	return nil, gateway.ErrNotFound
}

func (f *fakeMembershipStore) ProvisionJIT(_ context.Context, orgID, externalID string, _ *gateway.Session) (*gateway.Identity, error) {
	if f.provision != nil {
		return f.provision(orgID, externalID)
	}
	return nil, gateway.ErrJITConflict
}

func (f *fakeMembershipStore) SyncJITMemberships(_ context.Context, _, _ string, _ []string) error {
	f.synced = true
	return nil
}

func putSession(t *testing.T, c cache.Cache, id string, sess gateway.Session) {
	t.Helper()
	raw, err := json.Marshal(sess)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.SetBytes(context.Background(), cachekeys.Session(id), raw, time.Hour); err != nil {
		t.Fatal(err)
	}
}

func TestSessionResolver_KnownIdentity(t *testing.T) {
	c, err := cache.NewMemory(100, 10)
	if err != nil {
		t.Fatal(err)
	}
	store := &fakeMembershipStore{identities: map[string]*gateway.Identity{
		"org1/ext-1": {ExternalID: "ext-1", OrgID: "org1"},
	}}
	r := &SessionResolver{Cache: c, Store: store, SyncMemberships: true}

	putSession(t, c, "sess-1", gateway.Session{ExternalID: "ext-1", SSOOrgID: "org1", ExpiresAt: time.Now().Add(time.Hour)})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "gw_session", Value: "sess-1"})

	id, err := r.resolve(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if id.ExternalID != "ext-1" || id.AuthMethod != "session" {
		t.Fatalf("unexpected identity: %+v", id)
	}
	if !store.synced {
		t.Error("expected membership sync to run")
	}
}

func TestSessionResolver_ExpiredSession(t *testing.T) {
	c, err := cache.NewMemory(100, 10)
	if err != nil {
		t.Fatal(err)
	}
	r := &SessionResolver{Cache: c, Store: &fakeMembershipStore{}}
	putSession(t, c, "sess-2", gateway.Session{ExternalID: "ext-1", SSOOrgID: "org1", ExpiresAt: time.Now().Add(-time.Hour)})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "gw_session", Value: "sess-2"})

	_, err = r.resolve(context.Background(), req)
	if err != gateway.ErrSessionExpired {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
}

func TestSessionResolver_JITProvisioning(t *testing.T) {
	c, err := cache.NewMemory(100, 10)
	if err != nil {
		t.Fatal(err)
	}
	store := &fakeMembershipStore{identities: map[string]*gateway.Identity{}, provision: func(orgID, externalID string) (*gateway.Identity, error) {
		return &gateway.Identity{ExternalID: externalID, OrgID: orgID}, nil
	}}
	r := &SessionResolver{Cache: c, Store: store, JITEnabled: true}
	putSession(t, c, "sess-3", gateway.Session{ExternalID: "new-user", SSOOrgID: "org1", ExpiresAt: time.Now().Add(time.Hour)})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "gw_session", Value: "sess-3"})

	id, err := r.resolve(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if id.ExternalID != "new-user" {
		t.Fatalf("unexpected identity: %+v", id)
	}
}

func TestSessionResolver_NoCookieIsNoCredentials(t *testing.T) {
	c, err := cache.NewMemory(100, 10)
	if err != nil {
		t.Fatal(err)
	}
	r := &SessionResolver{Cache: c, Store: &fakeMembershipStore{}}
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	_, err = r.resolve(context.Background(), req)
	if err != gateway.ErrNoCredentials {
		t.Fatalf("expected ErrNoCredentials, got %v", err)
	}
}
