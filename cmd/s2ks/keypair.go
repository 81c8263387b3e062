package main

import (
	"encoding/pem"
	"fmt"

	"github.com/awnumar/memguard"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/soulwing/s2ks/internal/crypto"
	"github.com/soulwing/s2ks/internal/provider"
	"github.com/soulwing/s2ks/internal/storage"
)

type keyPairOptions struct {
	certsOnly bool
}

func newKeyPairCmd(global *globalOptions) *cobra.Command {
	opts := &keyPairOptions{}

	cmd := &cobra.Command{
		Use:   "keypair <id>",
		Short: "Retrieve an externally issued key pair",
		Long: `Reads key.pem, cert.pem and the optional cacerts.pem stored below id and
writes the private key followed by the certificate chain as PEM.

Examples:
  s2ks keypair tls/web
  s2ks keypair tls/web --certs`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyPair(cmd, global, opts, args[0])
		},
	}

	cmd.Flags().BoolVar(&opts.certsOnly, "certs", false, "write only the certificate chain")
	return cmd
}

func runKeyPair(cmd *cobra.Command, global *globalOptions, opts *keyPairOptions, id string) error {
	name, props, err := global.resolveProvider(cmd.Flags())
	if err != nil {
		return err
	}
	global.logger.WithFields(logrus.Fields{
		"provider": name,
		"id":       id,
	}).Debug("Opening key pair storage")

	keyPairs, err := provider.NewKeyPairStorage(cmd.Context(), name, props, global.logger)
	if err != nil {
		return err
	}
	defer keyPairs.Close()

	out := cmd.OutOrStdout()
	if opts.certsOnly {
		certs, err := keyPairs.RetrieveCertificates(cmd.Context(), id)
		if err != nil {
			return err
		}
		return storage.WriteCertificateChain(out, certs)
	}

	info, err := keyPairs.RetrieveKeyPair(cmd.Context(), id)
	if err != nil {
		return err
	}
	defer crypto.DestroyKey(info.PrivateKey)

	der, err := crypto.EncodeKey(info.PrivateKey)
	if err != nil {
		return err
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	memguard.WipeBytes(der)
	defer memguard.WipeBytes(keyPEM)

	if _, err := out.Write(keyPEM); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}
	return storage.WriteCertificateChain(out, info.Certificates)
}
