package resolve

import (
	"context"
	"crypto"
	"fmt"
	"os"
	"sync"

	"github.com/BurntSushi/toml"

	"github.com/dorepo/dop/auth"
)

// Static resolves from records held in memory.
type Static struct {
	mu       sync.RWMutex
	services map[string]*ServiceInfo
	keys     map[string][]crypto.PublicKey
	secrets  map[string][]byte
	repos    map[string]string
}

func NewStatic() *Static {
	return &Static{
		services: make(map[string]*ServiceInfo),
		keys:     make(map[string][]crypto.PublicKey),
		secrets:  make(map[string][]byte),
		repos:    make(map[string]string),
	}
}

// AddService registers a service. The key of every server is also
// registered under its server ID and the service ID.
func (s *Static) AddService(info ServiceInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := info
	cp.Servers = make([]ServerInfo, len(info.Servers))
	for i, srv := range info.Servers {
		srv.ServiceID = info.ServiceID
		cp.Servers[i] = srv
		if srv.PublicKey == nil {
			continue
		}
		if srv.ServerID != "" {
			s.keys[srv.ServerID] = append(s.keys[srv.ServerID], srv.PublicKey)
		}
		s.keys[info.ServiceID] = append(s.keys[info.ServiceID], srv.PublicKey)
	}
	s.services[info.ServiceID] = &cp
}

// AddPublicKey registers a key for an entity.
func (s *Static) AddPublicKey(id string, pub crypto.PublicKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[id] = append(s.keys[id], pub)
}

// AddSecret registers the shared secret of an entity.
func (s *Static) AddSecret(id string, secret []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[id] = append([]byte(nil), secret...)
}

// AddRepository records that objectID is hosted by the repository
// service repoID.
func (s *Static) AddRepository(objectID, repoID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.repos[objectID] = repoID
}

func (s *Static) ResolveService(ctx context.Context, id string) (*ServiceInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info, ok := s.services[id]
	if !ok {
		return nil, notFound("service", id)
	}
	cp := *info
	cp.Servers = append([]ServerInfo(nil), info.Servers...)
	return &cp, nil
}

func (s *Static) ResolvePublicKeys(ctx context.Context, id string) ([]crypto.PublicKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys, ok := s.keys[id]
	if !ok {
		return nil, notFound("public key", id)
	}
	return append([]crypto.PublicKey(nil), keys...), nil
}

func (s *Static) VerifySecret(ctx context.Context, id, alg string, nonce, clientNonce, digest []byte) (bool, error) {
	s.mu.RLock()
	secret, ok := s.secrets[id]
	s.mu.RUnlock()
	if !ok {
		return false, notFound("secret", id)
	}
	return auth.VerifySecretDigest(alg, secret, nonce, clientNonce, digest), nil
}

func (s *Static) ResolveRepository(ctx context.Context, objectID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	repo, ok := s.repos[objectID]
	if !ok {
		return "", notFound("repository", objectID)
	}
	return repo, nil
}

// ServerRecord is the configuration form of ServerInfo. Keys are PEM or
// DER SubjectPublicKeyInfo, inline or in a file.
type ServerRecord struct {
	ID            string `toml:"id"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	TLSPort       int    `toml:"tls_port"`
	PublicKey     string `toml:"public_key"`
	PublicKeyFile string `toml:"public_key_file"`
}

type ServiceRecord struct {
	ID      string         `toml:"id"`
	Servers []ServerRecord `toml:"server"`
}

type EntityRecord struct {
	ID             string   `toml:"id"`
	PublicKeys     []string `toml:"public_keys"`
	PublicKeyFiles []string `toml:"public_key_files"`
	Secret         string   `toml:"secret"`
}

type ObjectRecord struct {
	ID         string `toml:"id"`
	Repository string `toml:"repository"`
}

// Records is the static resolver section of a configuration file.
type Records struct {
	Services []ServiceRecord `toml:"service"`
	Entities []EntityRecord  `toml:"entity"`
	Objects  []ObjectRecord  `toml:"object"`
}

// LoadStatic reads records from a TOML file.
func LoadStatic(path string) (*Static, error) {
	var r Records
	if _, err := toml.DecodeFile(path, &r); err != nil {
		return nil, fmt.Errorf("load resolver records: %w", err)
	}
	return r.Static()
}

// Static builds a resolver holding the records.
func (r Records) Static() (*Static, error) {
	s := NewStatic()
	for _, svc := range r.Services {
		if svc.ID == "" {
			return nil, fmt.Errorf("service record without id")
		}
		info := ServiceInfo{ServiceID: svc.ID}
		for _, rec := range svc.Servers {
			pub, err := loadKey(rec.PublicKey, rec.PublicKeyFile)
			if err != nil {
				return nil, fmt.Errorf("service %s server %s: %w", svc.ID, rec.ID, err)
			}
			info.Servers = append(info.Servers, ServerInfo{
				ServerID:  rec.ID,
				Host:      rec.Host,
				Port:      rec.Port,
				TLSPort:   rec.TLSPort,
				PublicKey: pub,
			})
		}
		s.AddService(info)
	}
	for _, ent := range r.Entities {
		for _, k := range ent.PublicKeys {
			pub, err := loadKey(k, "")
			if err != nil {
				return nil, fmt.Errorf("entity %s: %w", ent.ID, err)
			}
			s.AddPublicKey(ent.ID, pub)
		}
		for _, path := range ent.PublicKeyFiles {
			pub, err := loadKey("", path)
			if err != nil {
				return nil, fmt.Errorf("entity %s: %w", ent.ID, err)
			}
			s.AddPublicKey(ent.ID, pub)
		}
		if ent.Secret != "" {
			s.AddSecret(ent.ID, []byte(ent.Secret))
		}
	}
	for _, obj := range r.Objects {
		s.AddRepository(obj.ID, obj.Repository)
	}
	return s, nil
}

func loadKey(inline, path string) (crypto.PublicKey, error) {
	b := []byte(inline)
	if path != "" {
		var err error
		if b, err = os.ReadFile(path); err != nil {
			return nil, err
		}
	}
	if len(b) == 0 {
		return nil, nil
	}
	return auth.ParsePublicKey(b)
}
