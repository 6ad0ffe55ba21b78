package pki

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"fmt"
	"math/big"
	"math/bits"
	"slices"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

var (
	oidKeyUsage         = asn1.ObjectIdentifier{2, 5, 29, 15}
	oidBasicConstraints = asn1.ObjectIdentifier{2, 5, 29, 19}
	oidExtKeyUsage      = asn1.ObjectIdentifier{2, 5, 29, 37}
)

var extKeyUsageOIDs = map[x509.ExtKeyUsage]asn1.ObjectIdentifier{
	x509.ExtKeyUsageAny:             {2, 5, 29, 37, 0},
	x509.ExtKeyUsageServerAuth:      {1, 3, 6, 1, 5, 5, 7, 3, 1},
	x509.ExtKeyUsageClientAuth:      {1, 3, 6, 1, 5, 5, 7, 3, 2},
	x509.ExtKeyUsageCodeSigning:     {1, 3, 6, 1, 5, 5, 7, 3, 3},
	x509.ExtKeyUsageEmailProtection: {1, 3, 6, 1, 5, 5, 7, 3, 4},
	x509.ExtKeyUsageTimeStamping:    {1, 3, 6, 1, 5, 5, 7, 3, 8},
	x509.ExtKeyUsageOCSPSigning:     {1, 3, 6, 1, 5, 5, 7, 3, 9},
}

type KeyUsage struct {
	DigitalSignature  bool
	ContentCommitment bool
	KeyEncipherment   bool
	DataEncipherment  bool
	KeyAgreement      bool
	KeyCertSign       bool
	CRLSign           bool
	EncipherOnly      bool
	DecipherOnly      bool
}

func (k KeyUsage) bits() x509.KeyUsage {
	var ku x509.KeyUsage
	flags := []struct {
		set bool
		bit x509.KeyUsage
	}{
		{k.DigitalSignature, x509.KeyUsageDigitalSignature},
		{k.ContentCommitment, x509.KeyUsageContentCommitment},
		{k.KeyEncipherment, x509.KeyUsageKeyEncipherment},
		{k.DataEncipherment, x509.KeyUsageDataEncipherment},
		{k.KeyAgreement, x509.KeyUsageKeyAgreement},
		{k.KeyCertSign, x509.KeyUsageCertSign},
		{k.CRLSign, x509.KeyUsageCRLSign},
		{k.EncipherOnly, x509.KeyUsageEncipherOnly},
		{k.DecipherOnly, x509.KeyUsageDecipherOnly},
	}
	for _, f := range flags {
		if f.set {
			ku |= f.bit
		}
	}
	return ku
}

type BasicConstraints struct {
	CA         bool
	PathLength *int
}

func (b BasicConstraints) maxPathLen() int {
	if b.PathLength == nil {
		return -1
	}
	return *b.PathLength
}

type CertificateDetails struct {
	// Name maps attribute names (COMMON_NAME, ORGANIZATION_NAME, ...) to values.
	Name map[string]string

	AuthorityKeyIdentifier bool
	SubjectKeyIdentifier   bool

	KeyUsage         *KeyUsage
	KeyUsageCritical bool

	ExtendedKeyUsage         []x509.ExtKeyUsage
	ExtendedKeyUsageCritical bool

	BasicConstraints         *BasicConstraints
	BasicConstraintsCritical bool

	SubjectAltNames []string

	// ValidDays defaults to 30.
	ValidDays int
}

type Authority struct {
	Cert *x509.Certificate
	Key  *rsa.PrivateKey
}

func (a *Authority) PEM() string {
	return EncodeCertificate(a.Cert)
}

type GeneratedCertificate struct {
	Cert           *x509.Certificate
	PEM            string
	FullChain      string
	NeedToGenerate bool
	Reason         string
}

// ClientCertificateDetails describes the mTLS client certificates vault
// nodes and the HA client present.
func ClientCertificateDetails(commonName string, sans []string) CertificateDetails {
	return CertificateDetails{
		Name: map[string]string{"COMMON_NAME": commonName},
		KeyUsage: &KeyUsage{
			DigitalSignature:  true,
			ContentCommitment: true,
			KeyEncipherment:   true,
		},
		KeyUsageCritical:         true,
		ExtendedKeyUsage:         []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		ExtendedKeyUsageCritical: true,
		BasicConstraints:         &BasicConstraints{CA: false},
		SubjectAltNames:          sans,
		ValidDays:                90,
	}
}

// GenerateCertificate returns the certificate in content when it still
// matches details, otherwise a new certificate signed by ca (or self
// signed when ca is nil).
func GenerateCertificate(key *rsa.PrivateKey, content string, d CertificateDetails, ca *Authority) (*GeneratedCertificate, error) {
	if key == nil {
		return nil, errors.New("private key is required")
	}
	if len(d.Name) == 0 && ca == nil {
		return nil, errors.New("certificate name is required")
	}

	subject := pkix.Name{}
	if len(d.Name) > 0 {
		var err error
		subject, err = buildName(d.Name)
		if err != nil {
			return nil, err
		}
	} else {
		subject = ca.Cert.Subject
	}
	issuer := subject
	if ca != nil {
		issuer = ca.Cert.Subject
	}

	if d.AuthorityKeyIdentifier && ca == nil {
		return nil, errors.New("authority key identifier cannot be set without a certificate authority")
	}
	if d.KeyUsage == nil && d.KeyUsageCritical {
		return nil, errors.New("key usage critical cannot be set without key usage")
	}
	if len(d.ExtendedKeyUsage) == 0 && d.ExtendedKeyUsageCritical {
		return nil, errors.New("extended key usage critical cannot be set without extended key usage")
	}
	if d.BasicConstraints == nil && d.BasicConstraintsCritical {
		return nil, errors.New("basic constraints critical cannot be set without basic constraints")
	}

	sans, err := ParseSANs(d.SubjectAltNames)
	if err != nil {
		return nil, err
	}

	days := d.ValidDays
	if days == 0 {
		days = 30
	}
	if days < 0 {
		return nil, errors.Newf("invalid validity of %d days", days)
	}
	now := time.Now().UTC()
	notAfter := now.Add(time.Duration(days) * 24 * time.Hour)
	if ca != nil && notAfter.After(ca.Cert.NotAfter) {
		return nil, errors.New("certificate authority is not valid for the duration of the certificate")
	}

	if content != "" {
		existing, err := ParseCertificate(content)
		reason := ""
		if err != nil {
			reason = "certificate content is invalid: " + err.Error()
		} else {
			reason = mismatch(existing, key, subject, issuer, sans, d, ca, now)
		}
		if reason == "" {
			return &GeneratedCertificate{
				Cert:      existing,
				PEM:       EncodeCertificate(existing),
				FullChain: fullChain(existing, ca),
			}, nil
		}
		return issue(key, subject, sans, d, ca, now, notAfter, reason)
	}
	return issue(key, subject, sans, d, ca, now, notAfter, "certificate content is empty")
}

func issue(key *rsa.PrivateKey, subject pkix.Name, sans *SANs, d CertificateDetails, ca *Authority,
	notBefore, notAfter time.Time, reason string) (*GeneratedCertificate, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, errors.Wrap(err, "generate serial number")
	}

	tmpl := &x509.Certificate{
		SerialNumber:   serial,
		Subject:        subject,
		NotBefore:      notBefore,
		NotAfter:       notAfter,
		DNSNames:       sans.DNSNames,
		IPAddresses:    sans.IPAddresses,
		URIs:           sans.URIs,
		EmailAddresses: sans.EmailAddresses,
	}
	if d.SubjectKeyIdentifier {
		tmpl.SubjectKeyId = keyID(&key.PublicKey)
	}

	if d.KeyUsage != nil {
		ext, err := keyUsageExtension(d.KeyUsage.bits(), d.KeyUsageCritical)
		if err != nil {
			return nil, err
		}
		tmpl.ExtraExtensions = append(tmpl.ExtraExtensions, ext)
	}
	if len(d.ExtendedKeyUsage) > 0 {
		ext, err := extKeyUsageExtension(d.ExtendedKeyUsage, d.ExtendedKeyUsageCritical)
		if err != nil {
			return nil, err
		}
		tmpl.ExtraExtensions = append(tmpl.ExtraExtensions, ext)
	}
	if d.BasicConstraints != nil {
		ext, err := basicConstraintsExtension(*d.BasicConstraints, d.BasicConstraintsCritical)
		if err != nil {
			return nil, err
		}
		tmpl.ExtraExtensions = append(tmpl.ExtraExtensions, ext)
	}

	parent, signer := tmpl, key
	if ca != nil {
		parent, signer = ca.Cert, ca.Key
		if d.AuthorityKeyIdentifier {
			tmpl.AuthorityKeyId = authorityKeyID(ca.Cert)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, &key.PublicKey, signer)
	if err != nil {
		return nil, errors.Wrap(err, "create certificate")
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, errors.Wrap(err, "parse generated certificate")
	}

	return &GeneratedCertificate{
		Cert:           cert,
		PEM:            EncodeCertificate(cert),
		FullChain:      fullChain(cert, ca),
		NeedToGenerate: true,
		Reason:         reason,
	}, nil
}

func mismatch(cert *x509.Certificate, key *rsa.PrivateKey, subject, issuer pkix.Name, sans *SANs,
	d CertificateDetails, ca *Authority, now time.Time) string {
	switch {
	case cert.Subject.String() != subject.String():
		return fmt.Sprintf("subject name is not as expected, current: %s, expected: %s", cert.Subject, subject)
	case cert.Issuer.String() != issuer.String():
		return fmt.Sprintf("issuer name is not as expected, current: %s, expected: %s", cert.Issuer, issuer)
	case !key.PublicKey.Equal(cert.PublicKey):
		return "public key does not match the private key"
	case now.After(cert.NotAfter):
		return "certificate has expired"
	case now.Before(cert.NotBefore):
		return "certificate is not valid yet"
	}

	if ca != nil {
		if err := cert.CheckSignatureFrom(ca.Cert); err != nil {
			return "certificate is not signed by the certificate authority"
		}
		if cert.NotAfter.After(ca.Cert.NotAfter) {
			return "certificate outlives the certificate authority"
		}
		// x509 copies the issuer's subject key id into every leaf it signs.
		if (d.AuthorityKeyIdentifier || len(ca.Cert.SubjectKeyId) > 0) && !bytes.Equal(cert.AuthorityKeyId, authorityKeyID(ca.Cert)) {
			return "authority key identifier mismatch"
		}
	}

	if d.SubjectKeyIdentifier != (len(cert.SubjectKeyId) > 0) {
		return "subject key identifier mismatch"
	}

	var wantKU x509.KeyUsage
	if d.KeyUsage != nil {
		wantKU = d.KeyUsage.bits()
	}
	if cert.KeyUsage != wantKU || hasExtension(cert, oidKeyUsage) != (d.KeyUsage != nil) {
		return fmt.Sprintf("key usage does not match, current: %d, expected: %d", cert.KeyUsage, wantKU)
	}
	if d.KeyUsage != nil && isCritical(cert, oidKeyUsage) != d.KeyUsageCritical {
		return "key usage critical does not match"
	}

	if !sameExtKeyUsage(cert.ExtKeyUsage, d.ExtendedKeyUsage) {
		return "extended key usage does not match"
	}
	if len(d.ExtendedKeyUsage) > 0 && isCritical(cert, oidExtKeyUsage) != d.ExtendedKeyUsageCritical {
		return "extended key usage critical does not match"
	}

	if cert.BasicConstraintsValid != (d.BasicConstraints != nil) {
		return "basic constraints presence does not match"
	}
	if d.BasicConstraints != nil {
		if cert.IsCA != d.BasicConstraints.CA || cert.MaxPathLen != d.BasicConstraints.maxPathLen() {
			return "basic constraints do not match"
		}
		if isCritical(cert, oidBasicConstraints) != d.BasicConstraintsCritical {
			return "basic constraints critical does not match"
		}
	}

	current := (&SANs{
		DNSNames:       cert.DNSNames,
		IPAddresses:    cert.IPAddresses,
		URIs:           cert.URIs,
		EmailAddresses: cert.EmailAddresses,
	}).Entries()
	if !slices.Equal(current, sans.Entries()) {
		return fmt.Sprintf("subject alternative names do not match, current: %v, expected: %v", current, sans.Entries())
	}
	return ""
}

var nameAttributes = map[string]func(n *pkix.Name, v string){
	"COMMON_NAME":              func(n *pkix.Name, v string) { n.CommonName = v },
	"ORGANIZATION_NAME":        func(n *pkix.Name, v string) { n.Organization = []string{v} },
	"ORGANIZATIONAL_UNIT_NAME": func(n *pkix.Name, v string) { n.OrganizationalUnit = []string{v} },
	"COUNTRY_NAME":             func(n *pkix.Name, v string) { n.Country = []string{v} },
	"STATE_OR_PROVINCE_NAME":   func(n *pkix.Name, v string) { n.Province = []string{v} },
	"LOCALITY_NAME":            func(n *pkix.Name, v string) { n.Locality = []string{v} },
	"STREET_ADDRESS":           func(n *pkix.Name, v string) { n.StreetAddress = []string{v} },
	"POSTAL_CODE":              func(n *pkix.Name, v string) { n.PostalCode = []string{v} },
	"SERIAL_NUMBER":            func(n *pkix.Name, v string) { n.SerialNumber = v },
}

func buildName(attrs map[string]string) (pkix.Name, error) {
	name := pkix.Name{}
	for k, v := range attrs {
		set, ok := nameAttributes[strings.ToUpper(k)]
		if !ok {
			return name, errors.Newf("unsupported name attribute %q", k)
		}
		set(&name, v)
	}
	return name, nil
}

func keyID(pub *rsa.PublicKey) []byte {
	sum := sha1.Sum(x509.MarshalPKCS1PublicKey(pub))
	return sum[:]
}

func authorityKeyID(ca *x509.Certificate) []byte {
	if len(ca.SubjectKeyId) > 0 {
		return ca.SubjectKeyId
	}
	if pub, ok := ca.PublicKey.(*rsa.PublicKey); ok {
		return keyID(pub)
	}
	return nil
}

func keyUsageExtension(ku x509.KeyUsage, critical bool) (pkix.Extension, error) {
	var a [2]byte
	a[0] = bits.Reverse8(byte(ku))
	a[1] = bits.Reverse8(byte(ku >> 8))
	l := 1
	if a[1] != 0 {
		l = 2
	}
	bitString := a[:l]
	value, err := asn1.Marshal(asn1.BitString{Bytes: bitString, BitLength: bitLength(bitString)})
	if err != nil {
		return pkix.Extension{}, errors.Wrap(err, "marshal key usage")
	}
	return pkix.Extension{Id: oidKeyUsage, Critical: critical, Value: value}, nil
}

func bitLength(b []byte) int {
	n := len(b) * 8
	for i := range b {
		c := b[len(b)-i-1]
		for bit := uint(0); bit < 8; bit++ {
			if (c>>bit)&1 == 1 {
				return n
			}
			n--
		}
	}
	return 0
}

func extKeyUsageExtension(usages []x509.ExtKeyUsage, critical bool) (pkix.Extension, error) {
	oids := make([]asn1.ObjectIdentifier, 0, len(usages))
	for _, u := range usages {
		oid, ok := extKeyUsageOIDs[u]
		if !ok {
			return pkix.Extension{}, errors.Newf("unsupported extended key usage %d", u)
		}
		oids = append(oids, oid)
	}
	value, err := asn1.Marshal(oids)
	if err != nil {
		return pkix.Extension{}, errors.Wrap(err, "marshal extended key usage")
	}
	return pkix.Extension{Id: oidExtKeyUsage, Critical: critical, Value: value}, nil
}

func basicConstraintsExtension(bc BasicConstraints, critical bool) (pkix.Extension, error) {
	value, err := asn1.Marshal(struct {
		IsCA       bool `asn1:"optional"`
		MaxPathLen int  `asn1:"optional,default:-1"`
	}{bc.CA, bc.maxPathLen()})
	if err != nil {
		return pkix.Extension{}, errors.Wrap(err, "marshal basic constraints")
	}
	return pkix.Extension{Id: oidBasicConstraints, Critical: critical, Value: value}, nil
}

func hasExtension(cert *x509.Certificate, oid asn1.ObjectIdentifier) bool {
	for _, ext := range cert.Extensions {
		if ext.Id.Equal(oid) {
			return true
		}
	}
	return false
}

func isCritical(cert *x509.Certificate, oid asn1.ObjectIdentifier) bool {
	for _, ext := range cert.Extensions {
		if ext.Id.Equal(oid) {
			return ext.Critical
		}
	}
	return false
}

func sameExtKeyUsage(a, b []x509.ExtKeyUsage) bool {
	a, b = slices.Clone(a), slices.Clone(b)
	slices.Sort(a)
	slices.Sort(b)
	return slices.Equal(a, b)
}

func fullChain(cert *x509.Certificate, ca *Authority) string {
	chain := EncodeCertificate(cert)
	if ca != nil {
		chain += EncodeCertificate(ca.Cert)
	}
	return chain
}

func EncodeCertificate(cert *x509.Certificate) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw}))
}

func ParseCertificate(content string) (*x509.Certificate, error) {
	block, _ := pem.Decode([]byte(content))
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, errors.New("no CERTIFICATE PEM block found")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	return cert, errors.Wrap(err, "parse certificate")
}
