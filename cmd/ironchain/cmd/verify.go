package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cloudflare/cfssl/helpers"
	"github.com/spf13/cobra"

	"github.com/jmcleod/ironchain/dn"
	"github.com/jmcleod/ironchain/truststore"
	"github.com/jmcleod/ironchain/validator"
)

// ---------------------------------------------------------------------------
// Verification result types
// ---------------------------------------------------------------------------

type verifyResult struct {
	File        string   `json:"file"`
	Valid       bool     `json:"valid"`
	Depth       int      `json:"depth"`
	Subject     string   `json:"subject,omitempty"`
	Anchor      string   `json:"anchor,omitempty"`
	Alias       string   `json:"alias,omitempty"`
	ValidatedAt string   `json:"validated_at"`
	Policies    []string `json:"policies,omitempty"`
	Failure     *failure `json:"failure,omitempty"`
}

type failure struct {
	Reason   string `json:"reason"`
	Index    int    `json:"index"`
	Subject  string `json:"subject,omitempty"`
	Expected string `json:"expected,omitempty"`
	Actual   string `json:"actual,omitempty"`
	Detail   string `json:"detail"`
}

// ---------------------------------------------------------------------------
// Core verification logic
// ---------------------------------------------------------------------------

// loadTrustStore parses a PEM bundle into a store aliased by common name.
func loadTrustStore(bundle []byte) (*truststore.Store, error) {
	certs, err := helpers.ParseCertificatesPEM(bundle)
	if err != nil {
		return nil, fmt.Errorf("invalid trust bundle: %w", err)
	}
	return truststore.New(certs, truststore.CommonNameAlias)
}

// verifyChain validates the PEM chain in chainPEM against store. A zero at
// means now.
func verifyChain(chainPEM []byte, store *truststore.Store, policy validator.Policy, at time.Time) (verifyResult, error) {
	chain, err := helpers.ParseCertificatesPEM(chainPEM)
	if err != nil {
		return verifyResult{}, fmt.Errorf("invalid chain: %w", err)
	}

	ready := validator.New(validator.WithPolicy(policy)).
		WithTrustStore(store).
		WithCertificates(chain...)
	if !at.IsZero() {
		ready = ready.At(at)
	}

	result := verifyResult{Depth: len(chain)}
	if len(chain) > 0 {
		result.Subject = dn.String(chain[0].RawSubject)
	}

	res, err := ready.Validate()
	if err != nil {
		pve, ok := errors.AsType[*validator.PathValidationError](err)
		if !ok {
			return verifyResult{}, err
		}
		result.Failure = &failure{
			Reason:   pve.Reason.Error(),
			Index:    pve.Index,
			Subject:  pve.Subject,
			Expected: pve.Expected,
			Actual:   pve.Actual,
			Detail:   err.Error(),
		}
		return result, nil
	}

	result.Valid = true
	result.Anchor = dn.String(res.TrustAnchor.RawSubject)
	result.Alias = res.TrustAnchorAlias
	result.ValidatedAt = res.ValidatedAt.UTC().Format(time.RFC3339)
	for _, oid := range res.Policies {
		result.Policies = append(result.Policies, oid.String())
	}
	return result, nil
}

// ---------------------------------------------------------------------------
// Output formatting
// ---------------------------------------------------------------------------

func printHumanResult(w io.Writer, result verifyResult) {
	fmt.Fprintf(w, "Chain verification: %s\n", result.File)
	fmt.Fprintf(w, "Subject: %s\n", result.Subject)
	fmt.Fprintf(w, "Depth:   %d\n\n", result.Depth)

	if result.Valid {
		fmt.Fprintf(w, "[PASS] trust anchor: %s", result.Anchor)
		if result.Alias != "" {
			fmt.Fprintf(w, " (alias %s)", result.Alias)
		}
		fmt.Fprintln(w)
		for _, p := range result.Policies {
			fmt.Fprintf(w, "[INFO] policy %s\n", p)
		}
		fmt.Fprintf(w, "\nResult: VALID at %s\n", result.ValidatedAt)
		return
	}

	f := result.Failure
	fmt.Fprintf(w, "[FAIL] %s\n", f.Detail)
	fmt.Fprintf(w, "\nResult: INVALID (%s)\n", f.Reason)
}

func printJSONResult(w io.Writer, result verifyResult) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

// ---------------------------------------------------------------------------
// Cobra command
// ---------------------------------------------------------------------------

var (
	verifyJSONOutput bool
	verifyTrust      string
	verifyPolicy     string
	verifyAt         string
)

var verifyCmd = &cobra.Command{
	Use:   "verify [chain.pem]",
	Short: "Validate a certificate chain against trust anchors",
	Long: `Reads a PEM chain, leaf first, and validates it against the PEM trust
anchors given with --trust. The root may be included at the end of the chain
or left out.

Validation limits can be set with a YAML policy file:

  max_chain_depth: 5
  clock_skew: 30s
  require_key_cert_sign: true

Exits 1 when the chain is rejected and 2 when the inputs cannot be read.`,
	Args: cobra.ExactArgs(1),
	RunE: runVerify,
}

func init() {
	rootCmd.AddCommand(verifyCmd)
	verifyCmd.Flags().BoolVar(&verifyJSONOutput, "json", false, "Output results as JSON")
	verifyCmd.Flags().StringVar(&verifyTrust, "trust", "", "PEM bundle of trust anchors")
	verifyCmd.Flags().StringVar(&verifyPolicy, "policy", "", "YAML validation policy")
	verifyCmd.Flags().StringVar(&verifyAt, "at", "", "Validate at this RFC 3339 time instead of now")
	_ = verifyCmd.MarkFlagRequired("trust")
}

func runVerify(cmd *cobra.Command, args []string) error {
	filePath := args[0]

	fail := func(format string, a ...any) {
		fmt.Fprintf(os.Stderr, "Error: "+format+"\n", a...)
		os.Exit(2)
	}

	chainPEM, err := os.ReadFile(filePath)
	if err != nil {
		fail("cannot read chain: %v", err)
	}
	bundle, err := os.ReadFile(verifyTrust)
	if err != nil {
		fail("cannot read trust bundle: %v", err)
	}
	store, err := loadTrustStore(bundle)
	if err != nil {
		fail("%v", err)
	}

	policy := validator.DefaultPolicy()
	if verifyPolicy != "" {
		f, err := os.Open(verifyPolicy)
		if err != nil {
			fail("cannot read policy: %v", err)
		}
		policy, err = validator.LoadPolicy(f)
		f.Close()
		if err != nil {
			fail("%v", err)
		}
	}

	var at time.Time
	if verifyAt != "" {
		if at, err = time.Parse(time.RFC3339, verifyAt); err != nil {
			fail("invalid --at: %v", err)
		}
	}

	result, err := verifyChain(chainPEM, store, policy, at)
	if err != nil {
		fail("%v", err)
	}
	result.File = filePath

	out := cmd.OutOrStdout()
	if verifyJSONOutput {
		if err := printJSONResult(out, result); err != nil {
			fail("%v", err)
		}
	} else {
		printHumanResult(out, result)
	}

	if !result.Valid {
		os.Exit(1)
	}
	return nil
}
