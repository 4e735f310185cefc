// Package fleet is the thin domain surface over the resilient request core:
// auth operations, cached reads for dashboard widgets, preference updates and
// the active-trip condition used by the polling monitor.
package fleet

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/mail"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"fleetlink.org/internal/api"
	"fleetlink.org/internal/fetch"
	"fleetlink.org/internal/obs"
	"fleetlink.org/internal/poll"
	"fleetlink.org/internal/session"
)

// SelfEntity asks the trip monitor to resolve the driver from the current
// session's identity.
const SelfEntity = "self"

const minPasswordLen = 8

// Service exposes the fleet operations the UI consumes.
type Service struct {
	client        *api.Client
	sess          *session.Store
	cache         *fetch.Group
	cacheTTL      time.Duration
	throttleDelay time.Duration
	retries       uint64
}

// ServiceOption configures Service construction.
type ServiceOption func(*Service)

// WithCacheTTL sets the TTL for cached list reads.
func WithCacheTTL(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.cacheTTL = d
		}
	}
}

// WithThrottleDelay sets the coalescing delay for cached list reads.
func WithThrottleDelay(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d >= 0 {
			s.throttleDelay = d
		}
	}
}

// WithRetries bounds the backoff fetcher used for list reads.
func WithRetries(n uint64) ServiceOption {
	return func(s *Service) { s.retries = n }
}

// NewService wires the domain surface over a pipeline client and a cache
// group.
func NewService(client *api.Client, cache *fetch.Group, opts ...ServiceOption) *Service {
	s := &Service{
		client:        client,
		sess:          client.Session(),
		cache:         cache,
		cacheTTL:      time.Minute,
		throttleDelay: 150 * time.Millisecond,
		retries:       2,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Login authenticates the user and installs the session. Credentials are
// validated before any network call.
func (s *Service) Login(ctx context.Context, email, password string) (session.Identity, error) {
	if err := validateEmail(email); err != nil {
		return session.Identity{}, err
	}
	if password == "" {
		return session.Identity{}, api.Errf(api.KindValidation, 0, "password is required")
	}
	_, err := s.client.Authenticate(ctx, "/auth/login", map[string]string{
		"email":    strings.TrimSpace(strings.ToLower(email)),
		"password": password,
	})
	if err != nil {
		return session.Identity{}, err
	}
	id, _ := s.sess.Identity()
	return id, nil
}

// Signup registers a new account; it is an upload-class call and uses the
// longer timeout.
func (s *Service) Signup(ctx context.Context, params SignupParams) (session.Identity, error) {
	if err := validateEmail(params.Email); err != nil {
		return session.Identity{}, err
	}
	if len(params.Password) < minPasswordLen {
		return session.Identity{}, api.Errf(api.KindValidation, 0, "password must be at least %d characters", minPasswordLen)
	}
	params.Email = strings.TrimSpace(strings.ToLower(params.Email))
	_, err := s.client.Authenticate(ctx, "/auth/signup", params, s.client.AsUpload())
	if err != nil {
		return session.Identity{}, err
	}
	id, _ := s.sess.Identity()
	return id, nil
}

// Logout tells the backend best-effort and always clears local state: the
// session is erased and every cache namespace invalidated regardless of the
// call's outcome.
func (s *Service) Logout(ctx context.Context) error {
	if _, ok := s.sess.AccessToken(); ok {
		if _, err := s.client.Do(ctx, http.MethodPost, "/auth/logout", nil); err != nil {
			obs.Warn("fleet", "logout call failed, clearing session anyway", map[string]any{
				"error": err.Error(),
			})
		}
	}
	s.cache.Invalidate("")
	return s.sess.EraseAll()
}

// Identity returns the current identity record.
func (s *Service) Identity() (session.Identity, bool) { return s.sess.Identity() }

// Preferences returns the stored preference map.
func (s *Service) Preferences() map[string]string { return s.sess.Preferences() }

// HasPermission reports whether the current identity carries the permission.
func (s *Service) HasPermission(perm string) bool { return s.sess.HasPermission(perm) }

// Users lists platform users; dashboard widgets asking concurrently share one
// backend call, answered from cache within the TTL.
func (s *Service) Users(ctx context.Context) ([]User, error) {
	v, err := s.cache.GetOrFetch(ctx, fetch.Key("users", "list"), func(ctx context.Context) (any, error) {
		return fetch.WithRetry(ctx, s.retries, func(ctx context.Context) (any, error) {
			env, err := s.client.Do(ctx, http.MethodGet, "/users", nil)
			if err != nil {
				return nil, err
			}
			var users []User
			if err := env.Decode(&users); err != nil {
				return nil, fmt.Errorf("fleet: decode users: %w", err)
			}
			return users, nil
		})
	}, s.listOptions())
	if err != nil {
		return nil, err
	}
	return v.([]User), nil
}

// Roles lists the role catalog with the same caching contract as Users.
func (s *Service) Roles(ctx context.Context) ([]Role, error) {
	v, err := s.cache.GetOrFetch(ctx, fetch.Key("roles", "list"), func(ctx context.Context) (any, error) {
		return fetch.WithRetry(ctx, s.retries, func(ctx context.Context) (any, error) {
			env, err := s.client.Do(ctx, http.MethodGet, "/roles", nil)
			if err != nil {
				return nil, err
			}
			var roles []Role
			if err := env.Decode(&roles); err != nil {
				return nil, fmt.Errorf("fleet: decode roles: %w", err)
			}
			return roles, nil
		})
	}, s.listOptions())
	if err != nil {
		return nil, err
	}
	return v.([]Role), nil
}

// CreateUser performs the write uncached with an idempotency key, then
// invalidates the users namespace so the next read goes to the network.
func (s *Service) CreateUser(ctx context.Context, params CreateUserParams) (User, error) {
	if err := validateEmail(params.Email); err != nil {
		return User{}, err
	}
	env, err := s.client.Do(ctx, http.MethodPost, "/users", params,
		api.WithIdempotencyKey(uuid.NewString()))
	if err != nil {
		return User{}, err
	}
	var created User
	if err := env.Decode(&created); err != nil {
		return User{}, fmt.Errorf("fleet: decode created user: %w", err)
	}
	s.InvalidateUsers()
	return created, nil
}

// InvalidateUsers drops every cached user read.
func (s *Service) InvalidateUsers() { s.cache.Invalidate("users|") }

// InvalidateRoles drops every cached role read.
func (s *Service) InvalidateRoles() { s.cache.Invalidate("roles|") }

// UsersExist answers whether any account is registered, deciding between the
// signup-enabled and login-required entry screens. The dedicated endpoint is
// authoritative; when it cannot be reached the hostname heuristic answers
// with Authoritative false, and callers must not treat that as fact.
func (s *Service) UsersExist(ctx context.Context) (Existence, error) {
	v, err := s.cache.GetOrFetch(ctx, fetch.Key("auth", "exists"), func(ctx context.Context) (any, error) {
		env, err := s.client.DoUnauthenticated(ctx, http.MethodGet, "/auth/users/exist", nil)
		if err != nil {
			return nil, err
		}
		var out Existence
		if err := env.Decode(&out); err != nil {
			return nil, fmt.Errorf("fleet: decode existence: %w", err)
		}
		out.Authoritative = true
		return out, nil
	}, s.listOptions())
	if err == nil {
		return v.(Existence), nil
	}

	switch api.KindOf(err) {
	case api.KindNetwork, api.KindTimeout, api.KindUpstream:
		guess := s.heuristicExistence()
		obs.Warn("fleet", "existence check unreachable, using hostname heuristic", map[string]any{
			"error": err.Error(),
			"guess": guess.Exists,
		})
		return guess, nil
	default:
		return Existence{}, err
	}
}

// heuristicExistence guesses from the backend hostname: local and demo
// deployments default to "no users yet" (signup-enabled), anything else to
// "users exist" (login-required).
func (s *Service) heuristicExistence() Existence {
	u, err := url.Parse(s.client.BaseURL())
	if err != nil {
		return Existence{Exists: true}
	}
	host := u.Hostname()
	if host == "localhost" || host == "127.0.0.1" ||
		strings.HasPrefix(host, "demo.") || strings.HasPrefix(host, "staging.") {
		return Existence{Exists: false}
	}
	return Existence{Exists: true}
}

// UpdatePreference posts the preference to the backend and writes it through
// the session store on success.
func (s *Service) UpdatePreference(ctx context.Context, key, value string) error {
	if strings.TrimSpace(key) == "" {
		return api.Errf(api.KindValidation, 0, "preference key is required")
	}
	_, err := s.client.Do(ctx, http.MethodPut, "/profile/preferences",
		map[string]string{"key": key, "value": value})
	if err != nil {
		return err
	}
	return s.sess.SetPreference(key, value)
}

// DriverID resolves the driver profile for the logged-in user; the lookup is
// cached under the drivers namespace.
func (s *Service) DriverID(ctx context.Context) (string, error) {
	id, ok := s.sess.Identity()
	if !ok || id.UserID == "" {
		return "", api.Errf(api.KindUnauthenticated, 0, "no identity in session")
	}
	v, err := s.cache.GetOrFetch(ctx, fetch.Key("drivers", "user", id.UserID), func(ctx context.Context) (any, error) {
		env, err := s.client.Do(ctx, http.MethodGet, "/drivers/by-user/"+url.PathEscape(id.UserID), nil)
		if err != nil {
			return nil, err
		}
		var driver Driver
		if err := env.Decode(&driver); err != nil {
			return nil, fmt.Errorf("fleet: decode driver: %w", err)
		}
		return driver, nil
	}, s.listOptions())
	if err != nil {
		return "", err
	}
	return v.(Driver).ID, nil
}

// ActiveTrips returns the zero-or-more active trips for a driver.
func (s *Service) ActiveTrips(ctx context.Context, driverID string) ([]Trip, error) {
	env, err := s.client.Do(ctx, http.MethodGet, "/trips/active?driver_id="+url.QueryEscape(driverID), nil)
	if err != nil {
		return nil, err
	}
	var trips []Trip
	if err := env.Decode(&trips); err != nil {
		return nil, fmt.Errorf("fleet: decode trips: %w", err)
	}
	return trips, nil
}

// TripMonitor builds a poll monitor whose check resolves the driver (for
// SelfEntity, from the session identity) and queries active trips. onTrip
// fires once per appearing trip.
func (s *Service) TripMonitor(onTrip func(entity string, trip Trip), opts ...poll.Option) *poll.Monitor {
	check := func(ctx context.Context, entity string) (bool, json.RawMessage, error) {
		driverID := entity
		if entity == SelfEntity {
			var err error
			driverID, err = s.DriverID(ctx)
			if err != nil {
				return false, nil, err
			}
		}
		trips, err := s.ActiveTrips(ctx, driverID)
		if err != nil {
			return false, nil, err
		}
		if len(trips) == 0 {
			return false, nil, nil
		}
		payload, err := json.Marshal(trips[0])
		if err != nil {
			return false, nil, err
		}
		return true, payload, nil
	}

	all := opts
	if onTrip != nil {
		all = append([]poll.Option{poll.WithOnPresent(func(entity string, payload json.RawMessage) {
			var trip Trip
			if err := json.Unmarshal(payload, &trip); err != nil {
				obs.Warn("fleet", "malformed trip payload", map[string]any{"error": err.Error()})
				return
			}
			onTrip(entity, trip)
		})}, opts...)
	}
	return poll.NewMonitor(check, all...)
}

func (s *Service) listOptions() fetch.Options {
	return fetch.Options{TTL: s.cacheTTL, ThrottleDelay: s.throttleDelay}
}

func validateEmail(email string) error {
	email = strings.TrimSpace(email)
	if email == "" {
		return api.Errf(api.KindValidation, 0, "email is required")
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return api.Errf(api.KindValidation, 0, "malformed email %q", email)
	}
	return nil
}
