package main

import (
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/awnumar/memguard"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/soulwing/s2ks/internal/crypto"
	"github.com/soulwing/s2ks/internal/metadata"
)

type putOptions struct {
	algorithm string
	kind      string
	keyFile   string
	generate  int
	meta      []string
}

func newPutCmd(global *globalOptions) *cobra.Command {
	opts := &putOptions{}

	cmd := &cobra.Command{
		Use:   "put <id>",
		Short: "Wrap and store a key",
		Long: `Wraps a key under the provider's wrapper key and stores it with signed
metadata, replacing any key stored under the same id.

Secret keys are read as raw bytes. Private and public keys may be PEM or DER
(PKCS#8 and PKIX). Use "-" to read the key from standard input.

Metadata values that parse as true/false, an integer or a decimal number are
stored with that type; everything else is stored as a string.

Examples:
  s2ks put app/k1 --key-file k1.bin --meta owner=svc-a
  s2ks put app/signing --algorithm EC --kind PRIVATE --key-file signing.pem
  s2ks put app/k2 --generate 256`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPut(cmd, global, opts, args[0])
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.algorithm, "algorithm", "a", crypto.AlgorithmAES, "key algorithm (AES, RSA, EC, or a secret key algorithm name)")
	flags.StringVarP(&opts.kind, "kind", "k", crypto.KindSecret.String(), "key kind (SECRET, PRIVATE, PUBLIC)")
	flags.StringVarP(&opts.keyFile, "key-file", "f", "", "file holding the key, or - for standard input")
	flags.IntVar(&opts.generate, "generate", 0, "generate a random secret key of this many bits instead of reading one")
	flags.StringArrayVarP(&opts.meta, "meta", "m", nil, "metadata entry as name=value (repeatable)")
	cmd.MarkFlagsMutuallyExclusive("key-file", "generate")
	return cmd
}

func runPut(cmd *cobra.Command, global *globalOptions, opts *putOptions, id string) error {
	kind, err := crypto.ParseKind(opts.kind)
	if err != nil {
		return err
	}
	md, err := parseMetadata(opts.meta)
	if err != nil {
		return err
	}

	var encoded []byte
	switch {
	case opts.generate > 0:
		if kind != crypto.KindSecret {
			return fmt.Errorf("--generate only creates SECRET keys")
		}
		if opts.generate%8 != 0 {
			return fmt.Errorf("--generate bits must be a multiple of 8")
		}
		encoded = make([]byte, opts.generate/8)
		if _, err := rand.Read(encoded); err != nil {
			return fmt.Errorf("failed to generate key: %w", err)
		}
	case opts.keyFile != "":
		encoded, err = readKeyFile(cmd, opts.keyFile, kind)
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("one of --key-file or --generate is required")
	}
	defer memguard.WipeBytes(encoded)

	key, err := crypto.DecodeKey(normalizeAlgorithm(opts.algorithm), kind, encoded)
	if err != nil {
		return err
	}
	defer crypto.DestroyKey(key)

	kwm, err := metadata.NewKeyWithMetadata(key, md)
	if err != nil {
		return err
	}

	keys, err := global.openStorage(cmd.Context(), cmd)
	if err != nil {
		return err
	}
	defer keys.Close()

	if err := keys.Store(cmd.Context(), id, kwm); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s Stored %s key %s\n",
		color.GreenString("✓"), kind, color.CyanString(id))
	return nil
}

// readKeyFile reads raw key bytes. For private and public keys a PEM block
// is unwrapped to its DER body.
func readKeyFile(cmd *cobra.Command, path string, kind crypto.Kind) ([]byte, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read key: %w", err)
	}
	if kind == crypto.KindSecret {
		return data, nil
	}
	if block, _ := pem.Decode(data); block != nil {
		memguard.WipeBytes(data)
		return block.Bytes, nil
	}
	return data, nil
}

// parseMetadata turns name=value pairs into typed metadata in flag order.
func parseMetadata(pairs []string) (metadata.Metadata, error) {
	entries := make([]metadata.Entry, 0, len(pairs))
	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		if !ok || name == "" {
			return metadata.Empty(), fmt.Errorf("expected --meta name=value, got %q", pair)
		}
		entries = append(entries, metadata.Entry{Name: name, Value: inferValue(value)})
	}
	return metadata.New(entries...)
}

func inferValue(s string) interface{} {
	switch s {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && strings.ContainsAny(s, ".eE") {
		return f
	}
	return s
}

// normalizeAlgorithm upper-cases the built-in algorithm names and leaves
// other secret key algorithm names as given.
func normalizeAlgorithm(name string) string {
	for _, known := range []string{crypto.AlgorithmAES, crypto.AlgorithmRSA, crypto.AlgorithmEC} {
		if strings.EqualFold(name, known) {
			return known
		}
	}
	return name
}
