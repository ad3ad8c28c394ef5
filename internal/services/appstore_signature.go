package services

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SignatureVerifier App Store JWS 签名验证器
// Validates the x5c certificate chain in the JWS header against a configured Apple root and checks
// the ES256 signature with the leaf key.
type SignatureVerifier struct {
	roots     *x509.CertPool
	certCache map[string]*x509.Certificate
	mutex     sync.RWMutex
	parser    *jwt.Parser
	now       func() time.Time
}

// NewSignatureVerifier 从 PEM 文件加载根证书
func NewSignatureVerifier(rootCAPath string) (*SignatureVerifier, error) {
	data, err := os.ReadFile(rootCAPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read root certificate: %w", err)
	}
	return NewSignatureVerifierFromPEM(data)
}

// NewSignatureVerifierFromPEM 从 PEM 数据创建验证器
func NewSignatureVerifierFromPEM(rootPEM []byte) (*SignatureVerifier, error) {
	roots := x509.NewCertPool()
	count := 0
	for {
		var block *pem.Block
		block, rootPEM = pem.Decode(rootPEM)
		if block == nil {
			break
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse root certificate: %w", err)
		}
		roots.AddCert(cert)
		count++
	}
	if count == 0 {
		return nil, errors.New("no root certificates found")
	}
	return &SignatureVerifier{
		roots:     roots,
		certCache: make(map[string]*x509.Certificate),
		parser:    jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()})),
		now:       time.Now,
	}, nil
}

// VerifyJWS verifies a compact JWS produced by the App Store
func (v *SignatureVerifier) VerifyJWS(signed string) error {
	_, err := v.parser.ParseWithClaims(signed, jwt.MapClaims{}, v.keyFromChain)
	if err != nil {
		return SignatureInvalid(err)
	}
	return nil
}

// keyFromChain 验证证书链并返回叶子证书公钥
func (v *SignatureVerifier) keyFromChain(token *jwt.Token) (interface{}, error) {
	rawChain, ok := token.Header["x5c"].([]interface{})
	if !ok || len(rawChain) < 2 {
		return nil, errors.New("missing x5c certificate chain")
	}

	certChain := make([]*x509.Certificate, 0, len(rawChain))
	for i, raw := range rawChain {
		encoded, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("certificate %d is not a string", i)
		}
		cert, err := v.certificate(encoded)
		if err != nil {
			return nil, fmt.Errorf("certificate %d: %w", i, err)
		}
		certChain = append(certChain, cert)
	}

	intermediates := x509.NewCertPool()
	for _, cert := range certChain[1:] {
		intermediates.AddCert(cert)
	}
	if _, err := certChain[0].Verify(x509.VerifyOptions{
		Roots:         v.roots,
		Intermediates: intermediates,
		CurrentTime:   v.now(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}); err != nil {
		return nil, fmt.Errorf("failed to verify certificate chain: %w", err)
	}

	publicKey, ok := certChain[0].PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.New("certificate does not contain ECDSA public key")
	}
	return publicKey, nil
}

// certificate 解析 base64 DER 证书（带缓存）
func (v *SignatureVerifier) certificate(encoded string) (*x509.Certificate, error) {
	v.mutex.RLock()
	cert, exists := v.certCache[encoded]
	v.mutex.RUnlock()
	if exists {
		return cert, nil
	}

	der, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode certificate: %w", err)
	}
	cert, err = x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	v.mutex.Lock()
	v.certCache[encoded] = cert
	v.mutex.Unlock()
	return cert, nil
}

// ClearCache 清除证书缓存
func (v *SignatureVerifier) ClearCache() {
	v.mutex.Lock()
	defer v.mutex.Unlock()

	v.certCache = make(map[string]*x509.Certificate)
}
