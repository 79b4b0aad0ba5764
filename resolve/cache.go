package resolve

import (
	"context"
	"crypto"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/dorepo/dop/errs"
)

// DefaultCacheSize bounds each table of a Cache.
const DefaultCacheSize = 1024

// Cache remembers successful lookups of another Resolver. Concurrent
// lookups of the same identifier share one call.
type Cache struct {
	r        Resolver
	services *lru.Cache[string, *ServiceInfo]
	keys     *lru.Cache[string, []crypto.PublicKey]
	repos    *lru.Cache[string, string]
	group    singleflight.Group
}

// NewCache wraps r. A size <= 0 uses DefaultCacheSize.
func NewCache(r Resolver, size int) (*Cache, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	services, err := lru.New[string, *ServiceInfo](size)
	if err != nil {
		return nil, err
	}
	keys, err := lru.New[string, []crypto.PublicKey](size)
	if err != nil {
		return nil, err
	}
	repos, err := lru.New[string, string](size)
	if err != nil {
		return nil, err
	}
	return &Cache{r: r, services: services, keys: keys, repos: repos}, nil
}

func (c *Cache) ResolveService(ctx context.Context, id string) (*ServiceInfo, error) {
	if info, ok := c.services.Get(id); ok {
		return info, nil
	}
	v, err, _ := c.group.Do("service:"+id, func() (interface{}, error) {
		info, err := c.r.ResolveService(ctx, id)
		if err != nil {
			return nil, err
		}
		c.services.Add(id, info)
		return info, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*ServiceInfo), nil
}

func (c *Cache) ResolvePublicKeys(ctx context.Context, id string) ([]crypto.PublicKey, error) {
	if keys, ok := c.keys.Get(id); ok {
		return keys, nil
	}
	v, err, _ := c.group.Do("keys:"+id, func() (interface{}, error) {
		keys, err := c.r.ResolvePublicKeys(ctx, id)
		if err != nil {
			return nil, err
		}
		c.keys.Add(id, keys)
		return keys, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]crypto.PublicKey), nil
}

// VerifySecret is passed through uncached.
func (c *Cache) VerifySecret(ctx context.Context, id, alg string, nonce, clientNonce, digest []byte) (bool, error) {
	sv, ok := c.r.(SecretVerifier)
	if !ok {
		return false, errs.Errorf(errs.Crypto, "unable to verify secret key authentication for %q", id)
	}
	return sv.VerifySecret(ctx, id, alg, nonce, clientNonce, digest)
}

func (c *Cache) ResolveRepository(ctx context.Context, objectID string) (string, error) {
	rr, ok := c.r.(RepositoryResolver)
	if !ok {
		return "", notFound("repository", objectID)
	}
	if repo, ok := c.repos.Get(objectID); ok {
		return repo, nil
	}
	v, err, _ := c.group.Do("repo:"+objectID, func() (interface{}, error) {
		repo, err := rr.ResolveRepository(ctx, objectID)
		if err != nil {
			return nil, err
		}
		c.repos.Add(objectID, repo)
		return repo, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate drops everything cached for id.
func (c *Cache) Invalidate(id string) {
	c.services.Remove(id)
	c.keys.Remove(id)
	c.repos.Remove(id)
}

// Purge empties the cache.
func (c *Cache) Purge() {
	c.services.Purge()
	c.keys.Purge()
	c.repos.Purge()
}
