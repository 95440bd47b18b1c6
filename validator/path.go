package validator

import (
	"context"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"github.com/jmcleod/ironchain/dn"
	"github.com/jmcleod/ironchain/extension"
)

// path is the state of one validation run. Checks run in a fixed order and
// stop at the first failure:
//
//  1. trust source, chain shape and depth
//  2. issuer/subject name chaining, then the top's issuer against the
//     anchors' names
//  3. signatures, leaf to top
//  4. validity windows, leaf to top
//  5. CA flag, key usage and path length
//  6. trust anchor key and anchor path length
type path struct {
	policy Policy
	trust  TrustSource
	chain  []*x509.Certificate
	at     time.Time
}

func (p *path) validate() (*Result, error) {
	if err := p.checkShape(); err != nil {
		return nil, err
	}
	if err := p.checkNames(); err != nil {
		return nil, err
	}
	if err := p.checkAnchorName(); err != nil {
		return nil, err
	}
	if err := p.checkSignatures(); err != nil {
		return nil, err
	}
	if err := p.checkValidity(); err != nil {
		return nil, err
	}
	if err := p.checkConstraints(); err != nil {
		return nil, err
	}
	anchor, err := p.resolveAnchor()
	if err != nil {
		return nil, err
	}

	return &Result{
		TrustAnchor:      anchor,
		TrustAnchorAlias: p.trust.alias(anchor),
		PublicKey:        p.chain[0].PublicKey,
		ValidatedAt:      p.at,
		Chain:            p.chain,
		Policies:         p.policies(),
	}, nil
}

func (p *path) fail(reason error, index int, expected, actual string, cause error) *PathValidationError {
	e := &PathValidationError{
		Reason:   reason,
		Index:    index,
		Expected: expected,
		Actual:   actual,
		Err:      cause,
	}
	if index >= 0 && index < len(p.chain) && p.chain[index] != nil {
		e.Subject = dn.String(p.chain[index].RawSubject)
	}
	return e
}

func (p *path) top() int { return len(p.chain) - 1 }

func (p *path) checkShape() error {
	if p.trust == nil {
		return p.fail(ErrInvalidTrustSource, NoIndex, "", "", errors.New("no trust source"))
	}
	if err := p.trust.check(); err != nil {
		return p.fail(ErrInvalidTrustSource, NoIndex, "", "", err)
	}
	if len(p.chain) == 0 {
		return p.fail(ErrMalformedChain, NoIndex, "at least one certificate", "none", nil)
	}
	for i, cert := range p.chain {
		if cert == nil {
			return p.fail(ErrMalformedChain, i, "certificate", "nil", nil)
		}
	}
	if len(p.chain) > p.policy.MaxDepth {
		return p.fail(ErrChainTooLong, NoIndex,
			"at most "+strconv.Itoa(p.policy.MaxDepth), strconv.Itoa(len(p.chain)), nil)
	}
	return nil
}

func (p *path) checkNames() error {
	for i := 0; i < p.top(); i++ {
		issuer, next := p.chain[i].RawIssuer, p.chain[i+1].RawSubject
		if !dn.EqualRaw(issuer, next) {
			return p.fail(ErrMalformedChain, i, dn.String(issuer), dn.String(next), nil)
		}
	}
	return nil
}

// checkAnchorName fails unless the top certificate is itself an anchor or
// some anchor carries the name it was issued by. Keys are checked later.
func (p *path) checkAnchorName() error {
	topIndex := p.top()
	top := p.chain[topIndex]
	if _, ok := p.trust.lookup(top.RawSubject, top.PublicKey); ok {
		return nil
	}
	if len(p.trust.bySubject(top.RawIssuer)) == 0 {
		return p.fail(ErrUntrustedAnchor, topIndex,
			"anchor named "+dn.String(top.RawIssuer), "none", nil)
	}
	return nil
}

func (p *path) checkSignatures() error {
	for i := 0; i < p.top(); i++ {
		if err := verify(p.chain[i], p.chain[i+1]); err != nil {
			return p.fail(ErrSignatureVerification, i, "", "", err)
		}
	}
	top := p.chain[p.top()]
	if selfIssued(top) {
		if err := verify(top, top); err != nil {
			return p.fail(ErrSignatureVerification, p.top(), "", "", err)
		}
	}
	return nil
}

func (p *path) checkValidity() error {
	skew := p.policy.ClockSkew
	for i, cert := range p.chain {
		window := cert.NotBefore.UTC().Format(time.RFC3339) + " to " + cert.NotAfter.UTC().Format(time.RFC3339)
		at := p.at.UTC().Format(time.RFC3339)
		if p.at.Add(skew).Before(cert.NotBefore) {
			return p.fail(ErrNotYetValid, i, window, at, nil)
		}
		if p.at.Add(-skew).After(cert.NotAfter) {
			return p.fail(ErrExpiredCertificate, i, window, at, nil)
		}
	}
	return nil
}

func (p *path) checkConstraints() error {
	for i := 1; i < len(p.chain); i++ {
		cert := p.chain[i]
		if !cert.BasicConstraintsValid || !cert.IsCA {
			return p.fail(ErrNotCA, i, "CA=true", "CA=false", nil)
		}
		if p.policy.RequireKeyCertSign && cert.KeyUsage != 0 && cert.KeyUsage&x509.KeyUsageCertSign == 0 {
			return p.fail(ErrKeyUsage, i, "keyCertSign", fmt.Sprintf("key usage %#x", int(cert.KeyUsage)), nil)
		}
		if limit, ok := pathLen(cert); ok {
			if below := p.intermediatesBelow(i); below > limit {
				return p.fail(ErrPathLengthExceeded, i,
					"at most "+strconv.Itoa(limit)+" intermediates", strconv.Itoa(below), nil)
			}
		}
	}
	return nil
}

// intermediatesBelow counts the non-self-issued CA certificates between the
// leaf and position i, both exclusive.
func (p *path) intermediatesBelow(i int) int {
	n := 0
	for j := 1; j < i && j < len(p.chain); j++ {
		if !selfIssued(p.chain[j]) {
			n++
		}
	}
	return n
}

func (p *path) resolveAnchor() (*x509.Certificate, error) {
	topIndex := p.top()
	top := p.chain[topIndex]

	if anchor, ok := p.trust.lookup(top.RawSubject, top.PublicKey); ok {
		return anchor, nil
	}

	candidates := p.trust.bySubject(top.RawIssuer)
	if len(candidates) == 0 || selfIssued(top) {
		return nil, p.fail(ErrUntrustedAnchor, topIndex,
			"anchor named "+dn.String(top.RawIssuer), "none", nil)
	}

	var lastErr error
	for _, anchor := range candidates {
		if err := verify(top, anchor); err != nil {
			lastErr = err
			continue
		}
		// An anchor outside the chain constrains everything below it.
		if limit, ok := pathLen(anchor); ok {
			if below := p.intermediatesBelow(len(p.chain)); below > limit {
				e := p.fail(ErrPathLengthExceeded, len(p.chain),
					"at most "+strconv.Itoa(limit)+" intermediates", strconv.Itoa(below), nil)
				e.Subject = dn.String(anchor.RawSubject)
				return nil, e
			}
		}
		return anchor, nil
	}
	return nil, p.fail(ErrSignatureVerification, topIndex, "", "", lastErr)
}

// policies intersects the policy sets of the chain's certificates.
func (p *path) policies() []asn1.ObjectIdentifier {
	var acc []asn1.ObjectIdentifier
	seen := false
	for _, cert := range p.chain {
		if len(cert.PolicyIdentifiers) == 0 {
			continue
		}
		if !seen {
			acc = slices.Clone(cert.PolicyIdentifiers)
			seen = true
			continue
		}
		acc = intersectPolicies(acc, cert.PolicyIdentifiers)
	}
	return acc
}

func intersectPolicies(a, b []asn1.ObjectIdentifier) []asn1.ObjectIdentifier {
	if containsOID(a, extension.OIDAnyPolicy) {
		return slices.Clone(b)
	}
	if containsOID(b, extension.OIDAnyPolicy) {
		return slices.Clone(a)
	}
	out := []asn1.ObjectIdentifier{}
	for _, oid := range a {
		if containsOID(b, oid) {
			out = append(out, oid)
		}
	}
	return out
}

func containsOID(set []asn1.ObjectIdentifier, oid asn1.ObjectIdentifier) bool {
	for _, o := range set {
		if o.Equal(oid) {
			return true
		}
	}
	return false
}

// verify checks child's signature with parent's key, using the algorithm
// child declares.
func verify(child, parent *x509.Certificate) error {
	return parent.CheckSignature(child.SignatureAlgorithm, child.RawTBSCertificate, child.Signature)
}

func selfIssued(cert *x509.Certificate) bool {
	return dn.EqualRaw(cert.RawIssuer, cert.RawSubject)
}

// pathLen returns cert's path length constraint, if it has one.
func pathLen(cert *x509.Certificate) (int, bool) {
	if !cert.BasicConstraintsValid || !cert.IsCA {
		return 0, false
	}
	if cert.MaxPathLen > 0 || (cert.MaxPathLen == 0 && cert.MaxPathLenZero) {
		return cert.MaxPathLen, true
	}
	return 0, false
}

func (s ReadyStage) log(res *Result, err error) {
	ctx := context.Background()
	if err != nil {
		attrs := []slog.Attr{slog.String("error", err.Error())}
		var pve *PathValidationError
		if errors.As(err, &pve) {
			attrs = append(attrs,
				slog.String("reason", pve.Reason.Error()),
				slog.Int("index", pve.Index),
			)
		}
		s.opts.logger.LogAttrs(ctx, slog.LevelDebug, "chain rejected", attrs...)
		return
	}
	s.opts.logger.LogAttrs(ctx, slog.LevelDebug, "chain validated",
		slog.Int("depth", len(res.Chain)),
		slog.String("anchor", dn.String(res.TrustAnchor.RawSubject)),
		slog.String("alias", res.TrustAnchorAlias),
		slog.String("validated_at", res.ValidatedAt.UTC().Format(time.RFC3339)),
	)
}
