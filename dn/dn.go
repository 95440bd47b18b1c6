// Package dn parses RFC 4514 distinguished-name strings ("CN=...,O=...") into
// X.509 names and compares encoded names the way RFC 5280 section 7.1 asks
// path validators to.
package dn

import (
	"bytes"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/go-ldap/ldap/v3"

	"github.com/jmcleod/ironchain/internal/util"
	"github.com/jmcleod/ironchain/pkixerr"
)

// ErrInvalidName is returned when a distinguished-name string does not follow
// the RFC 4514 grammar or names an unknown attribute type.
var ErrInvalidName = pkixerr.New(pkixerr.ErrConfiguration, "invalid distinguished name")

var attributeTypes = map[string]asn1.ObjectIdentifier{
	"CN":           {2, 5, 4, 3},
	"SERIALNUMBER": {2, 5, 4, 5},
	"C":            {2, 5, 4, 6},
	"L":            {2, 5, 4, 7},
	"ST":           {2, 5, 4, 8},
	"S":            {2, 5, 4, 8},
	"STREET":       {2, 5, 4, 9},
	"O":            {2, 5, 4, 10},
	"OU":           {2, 5, 4, 11},
	"POSTALCODE":   {2, 5, 4, 17},
	"UID":          {0, 9, 2342, 19200300, 100, 1, 1},
	"DC":           {0, 9, 2342, 19200300, 100, 1, 25},
	"EMAILADDRESS": {1, 2, 840, 113549, 1, 9, 1},
	"E":            {1, 2, 840, 113549, 1, 9, 1},
}

// ParseRDNSequence parses s into an RDN sequence in encoding order. RFC 4514
// strings list the most specific RDN first, so the result is the reverse of
// the textual order. Multi-valued RDNs ("CN=a+UID=b") are preserved.
func ParseRDNSequence(s string) (pkix.RDNSequence, error) {
	if strings.TrimSpace(s) == "" {
		return nil, fmt.Errorf("%w: empty name", ErrInvalidName)
	}
	if !utf8.ValidString(s) {
		return nil, fmt.Errorf("%w: %q is not valid UTF-8", ErrInvalidName, s)
	}
	parsed, err := ldap.ParseDN(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidName, s, err)
	}
	if len(parsed.RDNs) == 0 {
		return nil, fmt.Errorf("%w: %q has no attributes", ErrInvalidName, s)
	}

	seq := make(pkix.RDNSequence, 0, len(parsed.RDNs))
	for i := len(parsed.RDNs) - 1; i >= 0; i-- {
		rdn := parsed.RDNs[i]
		set := make([]pkix.AttributeTypeAndValue, 0, len(rdn.Attributes))
		for _, atv := range rdn.Attributes {
			oid, err := attributeOID(atv.Type)
			if err != nil {
				return nil, fmt.Errorf("%w: %q: %v", ErrInvalidName, s, err)
			}
			set = append(set, pkix.AttributeTypeAndValue{Type: oid, Value: atv.Value})
		}
		seq = append(seq, set)
	}
	return seq, nil
}

// Parse parses s into a pkix.Name with the standard fields and Names
// populated. pkix.Name does not keep attribute order; use Marshal when the
// encoded name must match s exactly.
func Parse(s string) (pkix.Name, error) {
	seq, err := ParseRDNSequence(s)
	if err != nil {
		return pkix.Name{}, err
	}
	var name pkix.Name
	name.FillFromRDNSequence(&seq)
	return name, nil
}

// Marshal parses s and returns its DER encoding, suitable for
// x509.Certificate.RawSubject.
func Marshal(s string) ([]byte, error) {
	seq, err := ParseRDNSequence(s)
	if err != nil {
		return nil, err
	}
	der, err := asn1.Marshal(seq)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding %q: %v", ErrInvalidName, s, err)
	}
	return der, nil
}

// String renders a DER-encoded name in RFC 4514 form. Undecodable input is
// rendered as its hex encoding.
func String(raw []byte) string {
	var seq pkix.RDNSequence
	if rest, err := asn1.Unmarshal(raw, &seq); err != nil || len(rest) > 0 {
		return "#" + util.HexEncode(raw)
	}
	return seq.String()
}

// EqualRaw reports whether two DER-encoded names match. Byte equality is
// tried first; otherwise the names are decoded and compared attribute by
// attribute, with string values compared after NFKC, case folding and
// whitespace collapsing.
func EqualRaw(a, b []byte) bool {
	if bytes.Equal(a, b) {
		return true
	}
	var sa, sb pkix.RDNSequence
	if rest, err := asn1.Unmarshal(a, &sa); err != nil || len(rest) > 0 {
		return false
	}
	if rest, err := asn1.Unmarshal(b, &sb); err != nil || len(rest) > 0 {
		return false
	}
	return equalSequence(sa, sb)
}

func equalSequence(a, b pkix.RDNSequence) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !equalSet(a[i], b[i]) {
			return false
		}
	}
	return true
}

// equalSet compares two RDNs as unordered sets.
func equalSet(a, b pkix.RelativeDistinguishedNameSET) bool {
	if len(a) != len(b) {
		return false
	}
	used := make([]bool, len(b))
outer:
	for _, x := range a {
		for j, y := range b {
			if !used[j] && equalATV(x, y) {
				used[j] = true
				continue outer
			}
		}
		return false
	}
	return true
}

func equalATV(a, b pkix.AttributeTypeAndValue) bool {
	if !a.Type.Equal(b.Type) {
		return false
	}
	as, aok := a.Value.(string)
	bs, bok := b.Value.(string)
	if aok && bok {
		return util.FoldName(as) == util.FoldName(bs)
	}
	return fmt.Sprint(a.Value) == fmt.Sprint(b.Value)
}

func attributeOID(t string) (asn1.ObjectIdentifier, error) {
	t = strings.TrimSpace(t)
	if t == "" {
		return nil, errors.New("empty attribute type")
	}
	if oid, ok := attributeTypes[strings.ToUpper(t)]; ok {
		return oid, nil
	}
	if strings.HasPrefix(strings.ToUpper(t), "OID.") {
		t = t[len("OID."):]
	}
	parts := strings.Split(t, ".")
	if len(parts) < 2 {
		return nil, fmt.Errorf("unknown attribute type %q", t)
	}
	oid := make(asn1.ObjectIdentifier, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("unknown attribute type %q", t)
		}
		oid[i] = n
	}
	return oid, nil
}
