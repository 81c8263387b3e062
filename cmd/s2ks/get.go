package main

import (
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/awnumar/memguard"
	"github.com/spf13/cobra"

	"github.com/soulwing/s2ks/internal/api"
	"github.com/soulwing/s2ks/internal/crypto"
)

type getOptions struct {
	output  string
	outFile string
}

func newGetCmd(global *globalOptions) *cobra.Command {
	opts := &getOptions{}

	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Retrieve and unwrap a key",
		Long: `Retrieves the key stored under id, unwraps it and verifies its metadata.

Output formats:
  json  algorithm, kind, base64 key and metadata (default)
  pem   PEM for private and public keys
  raw   the encoded key bytes

Examples:
  s2ks get app/k1
  s2ks get app/signing --output pem --out signing.pem`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGet(cmd, global, opts, args[0])
		},
	}

	cmd.Flags().StringVarP(&opts.output, "output", "o", "json", "output format: json, pem or raw")
	cmd.Flags().StringVar(&opts.outFile, "out", "", "write the key to this file (mode 0600) instead of standard output")
	return cmd
}

func runGet(cmd *cobra.Command, global *globalOptions, opts *getOptions, id string) error {
	switch opts.output {
	case "json", "pem", "raw":
	default:
		return fmt.Errorf("unsupported output format %q", opts.output)
	}

	keys, err := global.openStorage(cmd.Context(), cmd)
	if err != nil {
		return err
	}
	defer keys.Close()

	kwm, err := keys.RetrieveWithMetadata(cmd.Context(), id)
	if err != nil {
		return err
	}
	defer crypto.DestroyKey(kwm.Key())

	var out []byte
	switch opts.output {
	case "json":
		doc, err := api.NewKeyDocument(kwm)
		if err != nil {
			return err
		}
		out, err = json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode key: %w", err)
		}
		out = append(out, '\n')
	case "pem":
		kind, err := crypto.KindOf(kwm.Key())
		if err != nil {
			return err
		}
		if kind == crypto.KindSecret {
			return fmt.Errorf("secret keys have no PEM form; use --output raw or json")
		}
		der, err := crypto.EncodeKey(kwm.Key())
		if err != nil {
			return err
		}
		out = pem.EncodeToMemory(&pem.Block{Type: kind.String() + " KEY", Bytes: der})
		memguard.WipeBytes(der)
	case "raw":
		out, err = crypto.EncodeKey(kwm.Key())
		if err != nil {
			return err
		}
	}
	defer memguard.WipeBytes(out)

	if opts.outFile != "" {
		if err := os.WriteFile(opts.outFile, out, 0o600); err != nil {
			return fmt.Errorf("failed to write %s: %w", opts.outFile, err)
		}
		return nil
	}
	_, err = cmd.OutOrStdout().Write(out)
	return err
}
