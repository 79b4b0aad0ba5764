package main

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/dorepo/dop/auth"
	"github.com/dorepo/dop/dop"
	"github.com/dorepo/dop/errs"
)

// credentialsElement holds the PEM certificates served by OpGetCredentials.
const credentialsElement = "credentials"

// memStore is an in-memory object repository. Objects hold named data
// elements; the element param selects one, "" being the default.
type memStore struct {
	log *zap.Logger

	// allowAnonymous lets the anonymous identity modify objects.
	allowAnonymous bool

	mu      sync.RWMutex
	objects map[string]map[string][]byte
}

func newMemStore(log *zap.Logger, allowAnonymous bool) *memStore {
	return &memStore{
		log:            log,
		allowAnonymous: allowAnonymous,
		objects:        make(map[string]map[string][]byte),
	}
}

func (s *memStore) Register(m *dop.ServeMux) {
	m.HandleFunc(dop.OpCreateObject, s.createObject)
	m.HandleFunc(dop.OpGetData, s.getData)
	m.HandleFunc(dop.OpStoreData, s.storeData)
	m.HandleFunc(dop.OpListObjects, s.listObjects)
	m.HandleFunc(dop.OpDeleteObject, s.deleteObject)
	m.HandleFunc(dop.OpObjectExists, s.objectExists)
	m.Handle(dop.OpGetCredentials, dop.CredentialsHandler(s.credentials))
}

func (s *memStore) authorize(req *dop.Request) error {
	if req.CallerID == auth.AnonymousID {
		if s.allowAnonymous {
			return nil
		}
		return errs.New(errs.PermissionDenied, "Anonymous callers may not modify objects")
	}
	ok, err := req.Authenticate(nil, nil)
	if err != nil {
		return err
	}
	if !ok {
		return errs.Errorf(errs.PermissionDenied, "Unable to authenticate %s", req.CallerID)
	}
	return nil
}

func element(req *dop.Request) string {
	return req.Params.GetString("element", "")
}

func (s *memStore) createObject(resp dop.Responder, req *dop.Request) {
	if err := s.authorize(req); err != nil {
		resp.Error(err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[req.ObjectID]; ok {
		resp.Error(errs.Errorf(errs.AlreadyExists, "Object %s already exists", req.ObjectID))
		return
	}
	s.objects[req.ObjectID] = make(map[string][]byte)
	resp.Success()
}

func (s *memStore) objectExists(resp dop.Responder, req *dop.Request) {
	s.mu.RLock()
	_, ok := s.objects[req.ObjectID]
	s.mu.RUnlock()
	if !ok {
		resp.Error(errs.Errorf(errs.NoSuchObject, "Object %s does not exist", req.ObjectID))
		return
	}
	resp.Success()
}

func (s *memStore) deleteObject(resp dop.Responder, req *dop.Request) {
	if err := s.authorize(req); err != nil {
		resp.Error(err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.objects[req.ObjectID]; !ok {
		resp.Error(errs.Errorf(errs.NoSuchObject, "Object %s does not exist", req.ObjectID))
		return
	}
	delete(s.objects, req.ObjectID)
	resp.Success()
}

func (s *memStore) listObjects(resp dop.Responder, req *dop.Request) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.objects))
	for id := range s.objects {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Strings(ids)
	resp.Success()
	for _, id := range ids {
		if _, err := io.WriteString(resp, id+"\n"); err != nil {
			return
		}
	}
}

func (s *memStore) get(objectID, elem string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[objectID]
	if !ok {
		return nil, errs.Errorf(errs.NoSuchObject, "Object %s does not exist", objectID)
	}
	data, ok := obj[elem]
	if !ok {
		return nil, errs.Errorf(errs.NoSuchElement, "Element '%s' does not exist in %s", elem, objectID)
	}
	return data, nil
}

func (s *memStore) getData(resp dop.Responder, req *dop.Request) {
	data, err := s.get(req.ObjectID, element(req))
	if err != nil {
		resp.Error(err)
		return
	}
	resp.Success()
	resp.Write(data)
}

// storeData replaces an element with the operation input. The response
// comes before the input, so the stored length is written afterwards as
// a single line.
func (s *memStore) storeData(resp dop.Responder, req *dop.Request) {
	if err := s.authorize(req); err != nil {
		resp.Error(err)
		return
	}
	s.mu.RLock()
	_, ok := s.objects[req.ObjectID]
	s.mu.RUnlock()
	if !ok {
		resp.Error(errs.Errorf(errs.NoSuchObject, "Object %s does not exist", req.ObjectID))
		return
	}
	if err := resp.Success(); err != nil {
		return
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, req); err != nil {
		s.log.Warn("store data input failed", zap.String("object", req.ObjectID), zap.Error(err))
		return
	}
	elem := element(req)
	s.mu.Lock()
	obj, ok := s.objects[req.ObjectID]
	if ok {
		obj[elem] = buf.Bytes()
	}
	s.mu.Unlock()
	if !ok {
		s.log.Warn("object deleted during store", zap.String("object", req.ObjectID))
		return
	}
	fmt.Fprintf(resp, "%d\n", buf.Len())
}

func (s *memStore) credentials(_ context.Context, objectID string) ([]*x509.Certificate, error) {
	data, err := s.get(objectID, credentialsElement)
	if errs.KindOf(err) == errs.NoSuchElement {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var certs []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return certs, nil
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, errs.Wrap(errs.Storage, err, "Invalid certificate in "+objectID)
		}
		certs = append(certs, cert)
	}
}
