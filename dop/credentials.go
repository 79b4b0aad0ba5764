package dop

import (
	"context"
	"crypto/x509"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/dorepo/dop/auth"
	"github.com/dorepo/dop/errs"
)

type certificateList struct {
	XMLName      xml.Name `xml:"credentials"`
	Certificates []string `xml:"certificate"`
}

// WriteCertificateList writes certs as a credentials document with one
// hex encoded DER certificate per element.
func WriteCertificateList(w io.Writer, certs []*x509.Certificate) error {
	list := certificateList{}
	for _, cert := range certs {
		list.Certificates = append(list.Certificates, strings.ToUpper(hex.EncodeToString(cert.Raw)))
	}
	return xml.NewEncoder(w).Encode(list)
}

// ReadCertificateList parses a credentials document. Certificates that
// do not parse are skipped and reported in the error alongside the ones
// that did.
func ReadCertificateList(r io.Reader) ([]*x509.Certificate, error) {
	var list certificateList
	if err := xml.NewDecoder(r).Decode(&list); err != nil {
		return nil, errs.Wrap(errs.Protocol, err, "read credentials")
	}
	var (
		certs []*x509.Certificate
		err   error
	)
	for i, s := range list.Certificates {
		der, herr := hex.DecodeString(strings.TrimSpace(s))
		if herr != nil {
			err = multierr.Append(err, fmt.Errorf("certificate %d: %w", i, herr))
			continue
		}
		cert, perr := x509.ParseCertificate(der)
		if perr != nil {
			err = multierr.Append(err, fmt.Errorf("certificate %d: %w", i, perr))
			continue
		}
		certs = append(certs, cert)
	}
	return certs, err
}

// CredentialSource fetches the credentials of an identity by performing
// OpGetCredentials on the identity's own object. The operation runs on a
// separate client authenticated by a clone of the identity, which never
// fetches credentials itself.
//
//	pk := auth.NewPublicKey(id, signer)
//	pk.Cache().Source = dop.CredentialSource(cfg)
func CredentialSource(cfg ClientConfig) auth.CredentialSource {
	return func(ctx context.Context, m auth.Method) ([]*x509.Certificate, error) {
		side := cfg
		side.Auth = m.Clone()
		c := NewClient(side)
		defer c.Close()

		ch, err := c.PerformOperation(ctx, "", m.ID(), OpGetCredentials, nil)
		if err != nil {
			return nil, err
		}
		defer ch.Close()
		ch.CloseWrite()

		certs, err := ReadCertificateList(ch)
		if err != nil && certs == nil {
			return nil, err
		}
		if err != nil {
			c.log.Warn("skipped invalid credentials", zap.String("entity", m.ID()), zap.Error(err))
		}
		return certs, nil
	}
}

// CredentialStore returns the certificates stored with an object.
type CredentialStore func(ctx context.Context, objectID string) ([]*x509.Certificate, error)

// CredentialsHandler serves OpGetCredentials from store. Certificates
// outside their validity period are left out.
func CredentialsHandler(store CredentialStore) Handler {
	return HandlerFunc(func(resp Responder, req *Request) {
		req.Channel.CloseRead()
		certs, err := store(req.Context(), req.ObjectID)
		if err != nil {
			if errs.KindOf(err) == errs.Unknown {
				err = errs.Wrap(errs.Storage, err, "Unable to read certificates")
			}
			resp.Error(err)
			return
		}
		now := time.Now()
		valid := certs[:0:0]
		for _, cert := range certs {
			if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
				continue
			}
			valid = append(valid, cert)
		}
		if err := resp.Success(); err != nil {
			return
		}
		WriteCertificateList(resp, valid)
	})
}
