package pki

import (
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"strings"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
	"golang.org/x/net/idna"
)

var (
	oidSubjectAltName = asn1.ObjectIdentifier{2, 5, 29, 17}
	oidCRLReasonCode  = asn1.ObjectIdentifier{2, 5, 29, 21}

	tagDNSName = cbasn1.Tag(2).ContextSpecific()
)

const (
	maxDNSNameLen = 253
	wildcardLabel = "*."
)

// SubjectAltNameExtension encodes DNS names as a non-critical
// SubjectAltName extension. The names keep the given order. Unicode names
// are converted to their A-label form since dNSName is an IA5String.
func SubjectAltNameExtension(dnsNames []string) (pkix.Extension, error) {
	if len(dnsNames) == 0 {
		return pkix.Extension{}, fmt.Errorf("%w: no subject alternative names", ErrMalformedRequest)
	}

	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(seq *cryptobyte.Builder) {
		for _, name := range dnsNames {
			ascii, err := asciiDNSName(name)
			if err != nil {
				seq.SetError(err)
				return
			}
			seq.AddASN1(tagDNSName, func(gn *cryptobyte.Builder) {
				gn.AddBytes([]byte(ascii))
			})
		}
	})
	value, err := b.Bytes()
	if err != nil {
		return pkix.Extension{}, fmt.Errorf("encoding subjectAltName: %w", err)
	}
	return pkix.Extension{Id: oidSubjectAltName, Critical: false, Value: value}, nil
}

// asciiDNSName converts name to the ASCII form stored in a dNSName. A
// leading wildcard label is kept as is.
func asciiDNSName(name string) (string, error) {
	name = strings.TrimSuffix(strings.TrimSpace(name), ".")
	if name == "" {
		return "", fmt.Errorf("%w: empty DNS name", ErrMalformedRequest)
	}
	prefix := ""
	if rest, ok := strings.CutPrefix(name, wildcardLabel); ok {
		prefix, name = wildcardLabel, rest
	}
	ascii, err := idna.ToASCII(name)
	if err != nil {
		return "", fmt.Errorf("%w: DNS name %q: %v", ErrMalformedRequest, name, err)
	}
	ascii = prefix + strings.ToLower(ascii)
	if len(ascii) > maxDNSNameLen {
		return "", fmt.Errorf("%w: DNS name %q too long", ErrMalformedRequest, name)
	}
	return ascii, nil
}

// reasonCodeExtension decodes the ENUMERATED value of a CRL entry
// reasonCode extension.
func reasonCodeExtension(ext pkix.Extension) (RevocationReason, error) {
	if !ext.Id.Equal(oidCRLReasonCode) {
		return "", fmt.Errorf("extension %s is not a reasonCode", ext.Id)
	}
	var code int
	val := cryptobyte.String(ext.Value)
	if !val.ReadASN1Enum(&code) || !val.Empty() {
		return "", fmt.Errorf("malformed reasonCode extension")
	}
	reason, ok := ReasonFromCode(code)
	if !ok {
		return "", fmt.Errorf("unknown reason code %d", code)
	}
	return reason, nil
}
