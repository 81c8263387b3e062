package kms

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/aws/smithy-go"
	"github.com/sirupsen/logrus"

	"github.com/soulwing/s2ks/internal/storage"
)

// AWSClient is the subset of the AWS KMS client used for data keys.
type AWSClient interface {
	GenerateDataKey(ctx context.Context, params *kms.GenerateDataKeyInput, optFns ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// AWSConfig configures an AWS KMS master key service.
type AWSConfig struct {
	Region      string
	MasterKeyID string
	DataKeySpec string
	Endpoint    string
	AccessKey   string
	SecretKey   string
	Timeout     time.Duration
}

// AWSMasterKeyService issues data keys with GenerateDataKey and recovers
// them with Decrypt.
type AWSMasterKeyService struct {
	client      AWSClient
	masterKeyID string
	keySpec     kmstypes.DataKeySpec
	timeout     time.Duration
	logger      *logrus.Logger
}

// NewAWSMasterKeyService creates a service using the default AWS
// credential chain, or static credentials when an access key is set.
func NewAWSMasterKeyService(ctx context.Context, cfg AWSConfig, logger *logrus.Logger) (*AWSMasterKeyService, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var clientOpts []func(*kms.Options)
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *kms.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	return NewAWSMasterKeyServiceWithClient(kms.NewFromConfig(awsCfg, clientOpts...), cfg, logger)
}

// NewAWSMasterKeyServiceWithClient creates a service over an existing
// client.
func NewAWSMasterKeyServiceWithClient(client AWSClient, cfg AWSConfig, logger *logrus.Logger) (*AWSMasterKeyService, error) {
	if cfg.MasterKeyID == "" {
		return nil, errors.New("kms: master key id is required")
	}
	spec := kmstypes.DataKeySpecAes256
	size, err := DataKeySize(cfg.DataKeySpec)
	if err != nil {
		return nil, fmt.Errorf("kms: %w", err)
	}
	if size == 16 {
		spec = kmstypes.DataKeySpecAes128
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &AWSMasterKeyService{
		client:      client,
		masterKeyID: cfg.MasterKeyID,
		keySpec:     spec,
		timeout:     timeout,
		logger:      logger,
	}, nil
}

// NewDataKey implements storage.MasterKeyService.
func (s *AWSMasterKeyService) NewDataKey(ctx context.Context) (*storage.DataKey, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	out, err := s.client.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
		KeyId:   aws.String(s.masterKeyID),
		KeySpec: s.keySpec,
	})
	if err != nil {
		return nil, fmt.Errorf("kms: GenerateDataKey failed for %s: %w", s.masterKeyID, describe(err))
	}

	keyID := aws.ToString(out.KeyId)
	if keyID == "" {
		keyID = s.masterKeyID
	}
	s.logger.WithFields(logrus.Fields{
		"master_key_id": keyID,
		"key_spec":      string(s.keySpec),
	}).Debug("Generated data key")

	return &storage.DataKey{
		Plaintext:   out.Plaintext,
		Ciphertext:  out.CiphertextBlob,
		MasterKeyID: keyID,
	}, nil
}

// DecryptDataKey implements storage.MasterKeyService. The recorded master
// key id is passed to KMS so a ciphertext under another key is rejected.
func (s *AWSMasterKeyService) DecryptDataKey(ctx context.Context, ciphertext []byte, masterKeyID string) ([]byte, error) {
	ctx, cancel := withTimeout(ctx, s.timeout)
	defer cancel()

	input := &kms.DecryptInput{CiphertextBlob: ciphertext}
	if masterKeyID != "" {
		input.KeyId = aws.String(masterKeyID)
	}
	out, err := s.client.Decrypt(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("kms: Decrypt failed: %w", describe(err))
	}
	return out.Plaintext, nil
}

// describe adds the AWS error code to err when one is available.
func describe(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%s: %w", apiErr.ErrorCode(), err)
	}
	return err
}
