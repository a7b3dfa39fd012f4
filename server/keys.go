package server

import (
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"log/slog"
	"os"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

// minSymmetricKeyBytes is the smallest HMAC key the server will sign with.
// Shorter configured secrets are doubled until they reach it.
const minSymmetricKeyBytes = 32

// SigningCredential is a selected signing key ready for use.
type SigningCredential struct {
	Name        string
	Algorithm   string
	Method      jwt.SigningMethod
	Key         any
	PublicKey   any
	Certificate *x509.Certificate
	KeyID       string
}

// KeyMaterial holds every configured signature in order and answers
// credential selection and key publication. It is built once at startup and
// never mutated afterwards.
type KeyMaterial struct {
	entries     []*SigningCredential
	systemCerts []*x509.Certificate
	logger      *slog.Logger
}

// LoadKeyMaterial builds signing credentials for every configured signature.
// RS256/RS512 entries require a bound certificate; HS256 entries derive a
// symmetric key from the configured secret.
func LoadKeyMaterial(cfgs []SignatureConfig, systemCertFiles []string, logger *slog.Logger) (*KeyMaterial, error) {
	km := &KeyMaterial{logger: logger}

	for _, cfg := range cfgs {
		cred, err := buildCredential(cfg)
		if err != nil {
			return nil, fmt.Errorf("signature %q: %w", cfg.Name, err)
		}
		km.entries = append(km.entries, cred)
	}

	for _, path := range systemCertFiles {
		cert, err := readCertificate(path)
		if err != nil {
			return nil, fmt.Errorf("system certificate %s: %w", path, err)
		}
		km.systemCerts = append(km.systemCerts, cert)
	}

	return km, nil
}

// CreateSigningCredentials searches the configured signatures in the order
// of the candidate names and returns the first match, or nil when none of
// the names is configured.
func (km *KeyMaterial) CreateSigningCredentials(names ...string) *SigningCredential {
	for _, name := range names {
		if name == "" {
			continue
		}
		for _, cred := range km.entries {
			if cred.Name == name {
				return cred
			}
		}
	}
	return nil
}

// SymmetricFromSecret derives a per-application HMAC credential from a
// client secret. Per OpenID guidance symmetric-signed tokens use the
// application's own secret.
func (km *KeyMaterial) SymmetricFromSecret(name, secret string) *SigningCredential {
	if secret == "" {
		return nil
	}
	key := stretchSecret(secret)
	return &SigningCredential{
		Name:      name,
		Algorithm: "HS256",
		Method:    jwt.SigningMethodHS256,
		Key:       key,
		PublicKey: key,
		KeyID:     name,
	}
}

// Keyfunc resolves verification keys for tokens signed by this server.
func (km *KeyMaterial) Keyfunc(token *jwt.Token) (any, error) {
	kid, _ := token.Header["kid"].(string)
	for _, cred := range km.entries {
		if kid == "" || cred.KeyID == kid {
			return cred.PublicKey, nil
		}
	}
	return nil, fmt.Errorf("no key for kid %q", kid)
}

// PublishableKeySet converts every configured signature into a JSON Web Key
// Set, deduplicated by key id. Symmetric keys are included because the
// server is also the verifier; any additional system-identity certificates
// are appended as bare public keys.
func (km *KeyMaterial) PublishableKeySet() jose.JSONWebKeySet {
	var set jose.JSONWebKeySet
	seen := make(map[string]bool)

	add := func(key jose.JSONWebKey) {
		if key.KeyID != "" && seen[key.KeyID] {
			return
		}
		seen[key.KeyID] = true
		set.Keys = append(set.Keys, key)
	}

	for _, cred := range km.entries {
		switch k := cred.Key.(type) {
		case *rsa.PrivateKey:
			jwk := jose.JSONWebKey{
				Key:       &k.PublicKey,
				KeyID:     cred.KeyID,
				Algorithm: cred.Algorithm,
				Use:       "sig",
			}
			if cred.Certificate != nil {
				jwk.Certificates = []*x509.Certificate{cred.Certificate}
			}
			add(jwk)
		case []byte:
			add(jose.JSONWebKey{
				Key:       k,
				KeyID:     cred.KeyID,
				Algorithm: cred.Algorithm,
				Use:       "sig",
			})
		}
	}

	for _, cert := range km.systemCerts {
		pub, ok := cert.PublicKey.(*rsa.PublicKey)
		if !ok {
			continue
		}
		add(jose.JSONWebKey{
			Key:          pub,
			KeyID:        certKeyID(cert),
			Algorithm:    "RS256",
			Use:          "sig",
			Certificates: []*x509.Certificate{cert},
		})
	}

	return set
}

func buildCredential(cfg SignatureConfig) (*SigningCredential, error) {
	switch cfg.Algorithm {
	case "RS256", "RS512":
		if cfg.CertificateFile == "" {
			return nil, fmt.Errorf("algorithm %s requires a bound certificate", cfg.Algorithm)
		}
		cert, err := readCertificate(cfg.CertificateFile)
		if err != nil {
			return nil, err
		}
		key, err := readPrivateKey(cfg.KeyFile)
		if err != nil {
			return nil, err
		}
		method := jwt.SigningMethodRS256
		if cfg.Algorithm == "RS512" {
			method = jwt.SigningMethodRS512
		}
		return &SigningCredential{
			Name:        cfg.Name,
			Algorithm:   cfg.Algorithm,
			Method:      method,
			Key:         key,
			PublicKey:   &key.PublicKey,
			Certificate: cert,
			KeyID:       certKeyID(cert),
		}, nil

	case "HS256":
		if cfg.Secret == "" {
			return nil, fmt.Errorf("algorithm HS256 requires a secret")
		}
		key := stretchSecret(cfg.Secret)
		return &SigningCredential{
			Name:      cfg.Name,
			Algorithm: cfg.Algorithm,
			Method:    jwt.SigningMethodHS256,
			Key:       key,
			PublicKey: key,
			KeyID:     cfg.Name,
		}, nil

	default:
		return nil, fmt.Errorf("unsupported algorithm %q", cfg.Algorithm)
	}
}

// stretchSecret doubles the secret until it reaches the minimum symmetric
// key length.
func stretchSecret(secret string) []byte {
	key := []byte(secret)
	for len(key) < minSymmetricKeyBytes {
		key = append(key, key...)
	}
	return key
}

func certKeyID(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return base64.RawURLEncoding.EncodeToString(sum[:8])
}

func readCertificate(path string) (*x509.Certificate, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(raw)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("no certificate PEM block in %s", path)
	}
	return x509.ParseCertificate(block.Bytes)
}

func readPrivateKey(path string) (*rsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, fmt.Errorf("no private key PEM block in %s", path)
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("unsupported private key type in %s", path)
	}
	return key, nil
}
