// Package directory caches tenant account records fetched from the
// account directory service. Lookups never call the directory directly;
// callers that miss the cache trigger a tenant refresh and retry.
package directory

import (
	"context"
	"fmt"
	"log"
	"sync"
)

// Account is one customer account record: the Desk-side identity plus
// the credentials needed to act on the provider backend on the
// customer's behalf.
type Account struct {
	ID                string `json:"id"`
	Tenant            string `json:"tenant"`
	Email             string `json:"email"`
	ProviderAccountID string `json:"providerAccountId"`
	ProviderAPIKey    string `json:"providerApiKey"`
}

// Source is the account directory collaborator.
type Source interface {
	// TenantAccounts returns every account of a tenant.
	TenantAccounts(ctx context.Context, tenant string) ([]Account, error)
}

// Cache holds tenant account slices in memory, optionally backed by a
// Redis layer shared between replicas. A tenant is always refreshed
// wholesale; per-account updates do not exist, which keeps the cache
// trivially consistent with the directory's own bulk export.
type Cache struct {
	source Source
	redis  *RedisCache

	mu       sync.RWMutex
	byTenant map[string]map[string]Account
}

func NewCache(source Source, redis *RedisCache) *Cache {
	return &Cache{
		source:   source,
		redis:    redis,
		byTenant: make(map[string]map[string]Account),
	}
}

// AddTenant fetches the tenant's accounts from the directory and
// replaces the cached set, writing through to the Redis layer when one
// is configured.
func (c *Cache) AddTenant(ctx context.Context, tenant string) error {
	accounts, err := c.source.TenantAccounts(ctx, tenant)
	if err != nil {
		return fmt.Errorf("directory: fetch tenant %s: %w", tenant, err)
	}
	c.store(tenant, accounts)
	if c.redis != nil {
		if err := c.redis.SetTenant(ctx, tenant, accounts); err != nil {
			log.Printf("directory: redis write for tenant %s failed: %v", tenant, err)
		}
	}
	return nil
}

func (c *Cache) store(tenant string, accounts []Account) {
	byID := make(map[string]Account, len(accounts))
	for _, a := range accounts {
		byID[a.ID] = a
	}
	c.mu.Lock()
	c.byTenant[tenant] = byID
	c.mu.Unlock()
}

// Refresh rebuilds every cached tenant. Tenants whose fetch fails keep
// their previous entries; the first failure is reported after all
// tenants were attempted.
func (c *Cache) Refresh(ctx context.Context) error {
	c.mu.RLock()
	tenants := make([]string, 0, len(c.byTenant))
	for tenant := range c.byTenant {
		tenants = append(tenants, tenant)
	}
	c.mu.RUnlock()

	var firstErr error
	for _, tenant := range tenants {
		if err := c.AddTenant(ctx, tenant); err != nil {
			log.Printf("directory: refresh tenant %s failed: %v", tenant, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Customer returns the tenant's account with the given id. A memory miss
// falls through to the Redis layer before reporting absence. Absence is
// an ordinary outcome meaning the caller should refresh the tenant, not
// an error.
func (c *Cache) Customer(ctx context.Context, tenant, accountID string) (Account, bool) {
	c.mu.RLock()
	byID, ok := c.byTenant[tenant]
	c.mu.RUnlock()
	if ok {
		a, found := byID[accountID]
		return a, found
	}
	if c.redis == nil {
		return Account{}, false
	}
	accounts, found, err := c.redis.Tenant(ctx, tenant)
	if err != nil {
		log.Printf("directory: redis read for tenant %s failed: %v", tenant, err)
		return Account{}, false
	}
	if !found {
		return Account{}, false
	}
	c.store(tenant, accounts)
	for _, a := range accounts {
		if a.ID == accountID {
			return a, true
		}
	}
	return Account{}, false
}

// CustomerByEmail returns the tenant's account with the given email.
func (c *Cache) CustomerByEmail(ctx context.Context, tenant, email string) (Account, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, a := range c.byTenant[tenant] {
		if a.Email == email {
			return a, true
		}
	}
	return Account{}, false
}

// Tenants returns the cached tenant names.
func (c *Cache) Tenants() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tenants := make([]string, 0, len(c.byTenant))
	for tenant := range c.byTenant {
		tenants = append(tenants, tenant)
	}
	return tenants
}

// Clear drops every cached tenant.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.byTenant = make(map[string]map[string]Account)
	c.mu.Unlock()
}
