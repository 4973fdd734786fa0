package scope

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

func TestCanEdit(t *testing.T) {
	cases := []struct {
		name    string
		profile Profile
		city    string
		allow   bool
	}{
		{name: "admin own city", profile: Profile{Role: RoleAdmin, Cities: []string{"lyon"}}, city: "lyon", allow: true},
		{name: "admin other city", profile: Profile{Role: RoleAdmin, Cities: []string{"lyon"}}, city: "nantes", allow: false},
		{name: "admin global any city", profile: Profile{Role: RoleAdmin, Cities: []string{GlobalCity}}, city: "nantes", allow: true},
		{name: "invited own city", profile: Profile{Role: RoleInvited, Cities: []string{"lyon"}}, city: "lyon", allow: true},
		{name: "invited other city", profile: Profile{Role: RoleInvited, Cities: []string{"lyon"}}, city: "nantes", allow: false},
		{name: "empty role", profile: Profile{}, city: "lyon", allow: false},
		{name: "empty role global list", profile: Profile{Cities: []string{GlobalCity}}, city: "lyon", allow: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.profile.CanEdit(tc.city); got != tc.allow {
				t.Fatalf("CanEdit(%q) = %v, want %v", tc.city, got, tc.allow)
			}
		})
	}
}

func TestCanDelete(t *testing.T) {
	admin := Profile{Role: RoleAdmin, Cities: []string{"lyon"}}
	invited := Profile{Role: RoleInvited, Cities: []string{"lyon"}}

	if !invited.CanDelete("u1", "u1", "lyon") {
		t.Fatal("owner should delete own record")
	}
	if invited.CanDelete("u1", "u2", "lyon") {
		t.Fatal("invited non-owner must not delete")
	}
	if !admin.CanDelete("a1", "u2", "lyon") {
		t.Fatal("admin in scope should delete")
	}
	if admin.CanDelete("a1", "u2", "nantes") {
		t.Fatal("admin out of scope must not delete")
	}
}

func TestVisibilityFilter(t *testing.T) {
	invited := Profile{Role: RoleInvited, Cities: []string{"lyon"}}
	vis := invited.VisibilityFilter()
	if !vis.MineOnly || !vis.Locked || !vis.ApprovedInScope {
		t.Fatalf("invited visibility = %+v, want locked mine-only plus approved in scope", vis)
	}
	if !reflect.DeepEqual(vis.Cities, []string{"lyon"}) {
		t.Fatalf("invited cities = %v", vis.Cities)
	}

	admin := Profile{Role: RoleAdmin, Cities: []string{"lyon"}}
	vis = admin.VisibilityFilter()
	if vis.MineOnly || vis.Locked {
		t.Fatalf("admin visibility = %+v, want free toggle", vis)
	}

	global := Profile{Role: RoleAdmin, Cities: []string{GlobalCity}}
	if vis := global.VisibilityFilter(); vis.Cities != nil {
		t.Fatalf("global admin cities = %v, want nil", vis.Cities)
	}

	none := Profile{}
	if vis := none.VisibilityFilter(); !vis.Locked || !vis.MineOnly {
		t.Fatalf("empty role visibility = %+v, want locked mine-only", vis)
	}
}

func TestParseCities(t *testing.T) {
	cases := []struct {
		raw  string
		want []string
	}{
		{raw: "", want: nil},
		{raw: "lyon", want: []string{"lyon"}},
		{raw: `["lyon","nantes"]`, want: []string{"lyon", "nantes"}},
		{raw: `["global"]`, want: []string{"global"}},
		{raw: "[broken", want: []string{"[broken"}},
	}
	for _, tc := range cases {
		if got := ParseCities(tc.raw); !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("ParseCities(%q) = %v, want %v", tc.raw, got, tc.want)
		}
	}
}

type stubProfileStore struct {
	profiles map[string]Profile
	calls    int
}

func (s *stubProfileStore) GetProfile(_ context.Context, userID string) (Profile, error) {
	s.calls++
	p, ok := s.profiles[userID]
	if !ok {
		return Profile{}, ErrNoProfile
	}
	return p, nil
}

type mapCache struct {
	entries map[string]Profile
}

func (c *mapCache) Get(_ context.Context, userID string) (Profile, bool, error) {
	p, ok := c.entries[userID]
	return p, ok, nil
}

func (c *mapCache) Put(_ context.Context, userID string, p Profile) error {
	c.entries[userID] = p
	return nil
}

func (c *mapCache) Invalidate(_ context.Context, userID string) error {
	delete(c.entries, userID)
	return nil
}

func TestEngineResolveCachesPerSession(t *testing.T) {
	store := &stubProfileStore{profiles: map[string]Profile{
		"u1": {Role: RoleInvited, Cities: []string{"lyon"}},
	}}
	cache := &mapCache{entries: map[string]Profile{}}
	engine := NewEngine(store, cache)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		profile, err := engine.Resolve(ctx, "u1")
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if profile.Role != RoleInvited {
			t.Fatalf("role = %q", profile.Role)
		}
	}
	if store.calls != 1 {
		t.Fatalf("store hit %d times, want 1", store.calls)
	}

	if err := engine.Invalidate(ctx, "u1"); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if _, err := engine.Resolve(ctx, "u1"); err != nil {
		t.Fatalf("Resolve after invalidate: %v", err)
	}
	if store.calls != 2 {
		t.Fatalf("store hit %d times after invalidate, want 2", store.calls)
	}
}

func TestEngineResolveMissingProfile(t *testing.T) {
	store := &stubProfileStore{profiles: map[string]Profile{}}
	engine := NewEngine(store, nil)

	profile, err := engine.Resolve(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if profile.Role != RoleNone {
		t.Fatalf("missing profile role = %q, want empty", profile.Role)
	}
	if profile.CanEdit("lyon") {
		t.Fatal("empty role must grant no authoring capability")
	}
}

type failingCache struct {
	mapCache
	getErr error
}

func (c *failingCache) Get(ctx context.Context, userID string) (Profile, bool, error) {
	if c.getErr != nil {
		return Profile{}, false, c.getErr
	}
	return c.mapCache.Get(ctx, userID)
}

func TestEngineResolveSurvivesCacheReadFailure(t *testing.T) {
	store := &stubProfileStore{profiles: map[string]Profile{
		"u1": {Role: RoleInvited, Cities: []string{"lyon"}},
	}}
	cache := &failingCache{
		mapCache: mapCache{entries: map[string]Profile{}},
		getErr:   errors.New("redis gone"),
	}
	engine := NewEngine(store, cache)

	profile, err := engine.Resolve(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if profile.Role != RoleInvited {
		t.Fatalf("role = %q, want invited despite cache failure", profile.Role)
	}
	if store.calls != 1 {
		t.Fatalf("store hit %d times, want fallback read", store.calls)
	}
}

func TestEngineResolveStoreError(t *testing.T) {
	failing := profileStoreFunc(func(context.Context, string) (Profile, error) {
		return Profile{}, errors.New("boom")
	})
	engine := NewEngine(failing, nil)
	if _, err := engine.Resolve(context.Background(), "u1"); err == nil {
		t.Fatal("expected error surfaced")
	}
}

type profileStoreFunc func(context.Context, string) (Profile, error)

func (f profileStoreFunc) GetProfile(ctx context.Context, userID string) (Profile, error) {
	return f(ctx, userID)
}
