package cmd

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cloudflare/cfssl/helpers"
	"github.com/spf13/cobra"

	"github.com/jmcleod/ironchain/certificate"
	"github.com/jmcleod/ironchain/keys"
	"github.com/jmcleod/ironchain/serial"
)

// ---------------------------------------------------------------------------
// Issuance
// ---------------------------------------------------------------------------

type issueRequest struct {
	Algorithm    keys.Algorithm
	Params       keys.Params
	Root         string
	Intermediate string
	Leaf         string
	Validity     time.Duration
	RootPathLen  int
	Serials      serial.Source
}

type issuedChain struct {
	Root         *x509.Certificate
	Intermediate *x509.Certificate
	Leaf         *x509.Certificate
	LeafKey      *keys.KeyPair
}

// issueChain generates three key pairs and issues root, intermediate and
// leaf. The intermediate may not issue further CAs.
func issueChain(req issueRequest) (*issuedChain, error) {
	gen, err := keys.NewGenerator(req.Algorithm, req.Params)
	if err != nil {
		return nil, err
	}
	var kps [3]*keys.KeyPair
	for i := range kps {
		if kps[i], err = gen.Generate(); err != nil {
			return nil, err
		}
	}
	rootKey, interKey, leafKey := kps[0], kps[1], kps[2]

	rootSigner, err := rootKey.Signer()
	if err != nil {
		return nil, err
	}
	interSigner, err := interKey.Signer()
	if err != nil {
		return nil, err
	}

	var opts []certificate.Option
	if req.Serials != nil {
		opts = append(opts, certificate.WithSerialSource(req.Serials))
	}
	issuer := certificate.NewCreator(opts...).
		WithAlgorithmFor(rootSigner).
		WithDuration(req.Validity)

	root, err := issuer.WithRootCA(req.Root, rootKey, req.RootPathLen).Create()
	if err != nil {
		return nil, fmt.Errorf("issue root: %w", err)
	}
	inter, err := issuer.
		WithIssuer(root).
		WithSigningKey(rootSigner).
		WithPublicKey(interKey.Public()).
		WithSubject(req.Intermediate).
		WithCertificateAuthorityExtensions(0).
		Create()
	if err != nil {
		return nil, fmt.Errorf("issue intermediate: %w", err)
	}
	leaf, err := issuer.
		WithIssuer(inter).
		WithSigningKey(interSigner).
		WithPublicKey(leafKey.Public()).
		WithSubject(req.Leaf).
		WithEndEntityExtensions().
		Create()
	if err != nil {
		return nil, fmt.Errorf("issue leaf: %w", err)
	}

	return &issuedChain{Root: root, Intermediate: inter, Leaf: leaf, LeafKey: leafKey}, nil
}

// writeChain writes root.pem, intermediate.pem, leaf.pem, chain.pem (leaf
// first, without the root) and leaf.key into dir.
func writeChain(dir string, c *issuedChain) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	keyDER, err := x509.MarshalPKCS8PrivateKey(c.LeafKey.Private())
	if err != nil {
		return fmt.Errorf("encode leaf key: %w", err)
	}

	files := []struct {
		name string
		data []byte
		mode os.FileMode
	}{
		{"root.pem", helpers.EncodeCertificatePEM(c.Root), 0o644},
		{"intermediate.pem", helpers.EncodeCertificatePEM(c.Intermediate), 0o644},
		{"leaf.pem", helpers.EncodeCertificatePEM(c.Leaf), 0o644},
		{"chain.pem", helpers.EncodeCertificatesPEM([]*x509.Certificate{c.Leaf, c.Intermediate}), 0o644},
		{"leaf.key", pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}), 0o600},
	}
	for _, f := range files {
		if err := os.WriteFile(filepath.Join(dir, f.name), f.data, f.mode); err != nil {
			return fmt.Errorf("write %s: %w", f.name, err)
		}
	}
	return nil
}

func parseAlgorithm(s string) (keys.Algorithm, error) {
	for _, alg := range []keys.Algorithm{keys.RSA, keys.EC, keys.Ed25519, keys.DSA} {
		if strings.EqualFold(s, string(alg)) {
			return alg, nil
		}
	}
	return "", fmt.Errorf("%w: %q", keys.ErrUnsupportedAlgorithm, s)
}

// ---------------------------------------------------------------------------
// Cobra command
// ---------------------------------------------------------------------------

var (
	issueOut          string
	issueAlgorithm    string
	issueBits         int
	issueCurve        string
	issueRoot         string
	issueIntermediate string
	issueLeaf         string
	issueDays         int
	issuePathLen      int
	issueSerialDB     string
)

var issueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Issue a root, intermediate and leaf certificate",
	Long: `Generates three key pairs and issues a self-signed root CA, an
intermediate CA signed by it and an end-entity certificate signed by the
intermediate. Certificates are written as PEM along with the leaf's private
key.

With --serial-db, serial numbers are allocated per issuer from a persistent
counter instead of at random.`,
	Args: cobra.NoArgs,
	RunE: runIssue,
}

func init() {
	rootCmd.AddCommand(issueCmd)
	issueCmd.Flags().StringVarP(&issueOut, "out", "o", "./pki", "Directory to write certificates to")
	issueCmd.Flags().StringVar(&issueAlgorithm, "algorithm", "EC", "Key algorithm: RSA, EC or Ed25519")
	issueCmd.Flags().IntVar(&issueBits, "bits", 0, "RSA modulus size")
	issueCmd.Flags().StringVar(&issueCurve, "curve", "", "EC curve name")
	issueCmd.Flags().StringVar(&issueRoot, "root", "CN=IronChain Root CA", "Root CA subject")
	issueCmd.Flags().StringVar(&issueIntermediate, "intermediate", "CN=IronChain Intermediate CA", "Intermediate CA subject")
	issueCmd.Flags().StringVar(&issueLeaf, "leaf", "CN=localhost", "End-entity subject")
	issueCmd.Flags().IntVar(&issueDays, "days", 365, "Validity period in days")
	issueCmd.Flags().IntVar(&issuePathLen, "root-path-len", 1, "Root path length constraint, -1 for none")
	issueCmd.Flags().StringVar(&issueSerialDB, "serial-db", "", "bbolt file for sequential serial numbers")
}

func runIssue(cmd *cobra.Command, args []string) error {
	printBanner(cmd.ErrOrStderr())

	alg, err := parseAlgorithm(issueAlgorithm)
	if err != nil {
		return err
	}
	req := issueRequest{
		Algorithm:    alg,
		Params:       keys.Params{Bits: issueBits, Curve: issueCurve},
		Root:         issueRoot,
		Intermediate: issueIntermediate,
		Leaf:         issueLeaf,
		Validity:     time.Duration(issueDays) * 24 * time.Hour,
		RootPathLen:  issuePathLen,
	}

	if issueSerialDB != "" {
		counter, err := serial.NewBoltCounterFromFile(issueSerialDB, nil)
		if err != nil {
			return fmt.Errorf("failed to open serial database: %w", err)
		}
		defer counter.Close()
		req.Serials = counter
	}

	chain, err := issueChain(req)
	if err != nil {
		return err
	}
	if err := writeChain(issueOut, chain); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Root:         %s (serial %s)\n", chain.Root.Subject, chain.Root.SerialNumber)
	fmt.Fprintf(out, "Intermediate: %s (serial %s)\n", chain.Intermediate.Subject, chain.Intermediate.SerialNumber)
	fmt.Fprintf(out, "Leaf:         %s (serial %s)\n", chain.Leaf.Subject, chain.Leaf.SerialNumber)
	fmt.Fprintf(out, "Written to %s\n", issueOut)
	return nil
}
