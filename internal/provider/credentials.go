package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis"
	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/i-dream-of-ai/aegra/internal/common/backtesterrors"
	"github.com/i-dream-of-ai/aegra/internal/marketdata"
)

const credentialsPrefix = "Credentials:"

type Credential struct {
	Provider string
	Key      string
	Secret   string
	// Scope is where bars fetched with this credential are cached.
	Scope marketdata.Scope
}

type storedCredential struct {
	Key    string `json:"key"`
	Secret string `json:"secret,omitempty"`
}

// CredentialStore holds credentials users configured for themselves.
type CredentialStore interface {
	// UserCredentials returns the user's credentials keyed by provider name.
	UserCredentials(ctx context.Context, owner string) (map[string]Credential, error)
}

// RedisCredentialStore keeps one hash per owner, field = provider name.
type RedisCredentialStore struct {
	db redis.UniversalClient
}

func NewRedisCredentialStore(db redis.UniversalClient) *RedisCredentialStore {
	return &RedisCredentialStore{db: db}
}

func (s *RedisCredentialStore) UserCredentials(ctx context.Context, owner string) (map[string]Credential, error) {
	fields, err := s.db.HGetAll(credentialsPrefix + owner).Result()
	if err != nil {
		return nil, backtesterrors.Infrastructure("credential store", errors.Wrapf(err, "reading credentials of %s", owner))
	}
	credentials := make(map[string]Credential, len(fields))
	for providerName, raw := range fields {
		var stored storedCredential
		if err := json.Unmarshal([]byte(raw), &stored); err != nil {
			log.WithError(err).Warnf("Ignoring malformed %s credentials of %s", providerName, owner)
			continue
		}
		if stored.Key == "" {
			continue
		}
		credentials[providerName] = Credential{
			Provider: providerName,
			Key:      stored.Key,
			Secret:   stored.Secret,
			Scope:    marketdata.UserScope(owner),
		}
	}
	return credentials, nil
}

func (s *RedisCredentialStore) SetUserCredential(owner, providerName, key, secret string) error {
	data, err := json.Marshal(storedCredential{Key: key, Secret: secret})
	if err != nil {
		return errors.WithStack(err)
	}
	err = s.db.HSet(credentialsPrefix+owner, providerName, data).Err()
	return backtesterrors.Infrastructure("credential store", errors.Wrapf(err, "storing %s credentials of %s", providerName, owner))
}

func (s *RedisCredentialStore) DeleteUserCredential(owner, providerName string) error {
	err := s.db.HDel(credentialsPrefix+owner, providerName).Err()
	return backtesterrors.Infrastructure("credential store", errors.Wrapf(err, "deleting %s credentials of %s", providerName, owner))
}

type PlatformCredential struct {
	Key    string
	Secret string
}

// CredentialResolver decides which credentials a job uses, in provider priority order.
// For each provider a user's own credential beats the platform credential.
type CredentialResolver struct {
	store    CredentialStore
	order    []string
	platform map[string]PlatformCredential
	cache    *cache.Cache
}

func NewCredentialResolver(store CredentialStore, order []string, platform map[string]PlatformCredential, ttl time.Duration) *CredentialResolver {
	return &CredentialResolver{
		store:    store,
		order:    order,
		platform: platform,
		cache:    cache.New(ttl, 2*ttl),
	}
}

// Resolve returns the usable credentials of owner. It fails with ErrUpstreamProvider when
// no provider in the order has a user or platform credential.
func (r *CredentialResolver) Resolve(ctx context.Context, owner string) ([]Credential, error) {
	if cached, found := r.cache.Get(owner); found {
		if credentials, ok := cached.([]Credential); ok {
			return credentials, nil
		}
	}

	user, err := r.store.UserCredentials(ctx, owner)
	if err != nil {
		return nil, err
	}

	var credentials []Credential
	for _, providerName := range r.order {
		if credential, ok := user[providerName]; ok {
			credentials = append(credentials, credential)
			continue
		}
		if platform, ok := r.platform[providerName]; ok && platform.Key != "" {
			credentials = append(credentials, Credential{
				Provider: providerName,
				Key:      platform.Key,
				Secret:   platform.Secret,
				Scope:    marketdata.PlatformScope,
			})
		}
	}
	if len(credentials) == 0 {
		return nil, &backtesterrors.ErrUpstreamProvider{
			Message: fmt.Sprintf("no data provider credentials configured for %s", owner),
		}
	}

	r.cache.SetDefault(owner, credentials)
	return credentials, nil
}

// Invalidate drops the cached resolution of owner, e.g. after they changed credentials.
func (r *CredentialResolver) Invalidate(owner string) {
	r.cache.Delete(owner)
}
