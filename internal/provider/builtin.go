package provider

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/awnumar/memguard"
	"github.com/sirupsen/logrus"

	"github.com/soulwing/s2ks/internal/backend"
	"github.com/soulwing/s2ks/internal/crypto"
	"github.com/soulwing/s2ks/internal/keyerr"
	"github.com/soulwing/s2ks/internal/kms"
	s3store "github.com/soulwing/s2ks/internal/s3"
	"github.com/soulwing/s2ks/internal/storage"
)

// Property names understood by the built-in providers.
const (
	PropStorageDirectory = "storageDirectory"
	PropPassword         = "password"
	PropPasswordFile     = "passwordFile"
	PropPBEIterations    = "pbeIterations"
	PropRegion           = "region"
	PropKMSMasterKeyID   = "kmsMasterKeyId"
	PropKMSDataKeySpec   = "kmsDataKeySpec"
	PropS3BucketName     = "s3BucketName"
	PropS3Prefix         = "s3Prefix"
	PropEndpoint         = "endpoint"
	PropAccessKey        = "accessKey"
	PropSecretKey        = "secretKey"
	PropKMIPEndpoint     = "kmipEndpoint"
	PropKMIPKeyID        = "kmipKeyId"
	PropKMIPCertFile     = "kmipCertFile"
	PropKMIPKeyFile      = "kmipKeyFile"
	PropKMIPCAFile       = "kmipCaFile"
	PropDatabasePath     = "databasePath"
)

// Built-in provider names.
const (
	Local   = "LOCAL"
	AWS     = "AWS"
	KMIP    = "KMIP"
	LevelDB = "LEVELDB"
	LibSQL  = "LIBSQL"
	Memory  = "MEMORY"
)

var builtins = map[string]Factory{
	Local:   newLocal,
	AWS:     newAWS,
	KMIP:    newKMIP,
	LevelDB: newLevelDB,
	LibSQL:  newLibSQL,
	Memory:  newMemory,
}

// newLocal stores keys as files wrapped under a password.
func newLocal(ctx context.Context, props Properties, logger *logrus.Logger) (*Components, error) {
	dir, err := props.Require(Local, PropStorageDirectory)
	if err != nil {
		return nil, err
	}
	return withPassword(Local, props, func() (storage.StorageService, error) {
		return backend.NewFilesystemStorageService(dir, logger)
	})
}

// newLevelDB stores keys in an embedded LevelDB database wrapped under a
// password.
func newLevelDB(ctx context.Context, props Properties, logger *logrus.Logger) (*Components, error) {
	path, err := props.Require(LevelDB, PropDatabasePath)
	if err != nil {
		return nil, err
	}
	return withPassword(LevelDB, props, func() (storage.StorageService, error) {
		return backend.NewLevelDBStorageService(path, logger)
	})
}

// newLibSQL stores keys in a libSQL database wrapped under a password.
func newLibSQL(ctx context.Context, props Properties, logger *logrus.Logger) (*Components, error) {
	dsn, err := props.Require(LibSQL, PropDatabasePath)
	if err != nil {
		return nil, err
	}
	return withPassword(LibSQL, props, func() (storage.StorageService, error) {
		return backend.NewSQLStorageService(ctx, dsn, logger)
	})
}

// newMemory keeps keys in process memory. Without a password a random AES
// wrapper key is generated, so content does not outlive the provider.
func newMemory(ctx context.Context, props Properties, logger *logrus.Logger) (*Components, error) {
	if props.Get(PropPassword) != "" || props.Get(PropPasswordFile) != "" {
		return withPassword(Memory, props, func() (storage.StorageService, error) {
			return backend.NewMemoryStorageService(), nil
		})
	}

	data := make([]byte, 32)
	defer memguard.WipeBytes(data)
	if _, err := rand.Read(data); err != nil {
		return nil, fmt.Errorf("failed to generate wrapper key: %w", err)
	}
	key, err := crypto.NewSecretKey(crypto.AlgorithmAES, data)
	if err != nil {
		return nil, err
	}
	source, err := storage.NewStaticWrapperKeySource(key)
	if err != nil {
		return nil, err
	}
	return &Components{
		Storage:    backend.NewMemoryStorageService(),
		Source:     source,
		KeyWrap:    crypto.NewAESWrapOperator(),
		SourceName: "static",
	}, nil
}

// withPassword builds a static PBE source from the password properties
// and then opens storage.
func withPassword(provider string, props Properties, open func() (storage.StorageService, error)) (*Components, error) {
	iterations, err := props.Int(provider, PropPBEIterations, crypto.DefaultPBEIterations)
	if err != nil {
		return nil, err
	}
	if iterations > crypto.MaxPBEIterations {
		return nil, keyerr.New(keyerr.ProviderConfiguration, "%s provider property %q must not exceed %d",
			provider, PropPBEIterations, crypto.MaxPBEIterations)
	}
	password, err := readPassword(provider, props)
	if err != nil {
		return nil, err
	}
	key, err := crypto.NewPBEKey(password)
	memguard.WipeBytes(password)
	if err != nil {
		return nil, keyerr.Wrap(keyerr.ProviderConfiguration, err, "%s provider", provider)
	}
	source, err := storage.NewStaticWrapperKeySource(key)
	if err != nil {
		key.Destroy()
		return nil, err
	}

	svc, err := open()
	if err != nil {
		source.Close()
		return nil, keyerr.Wrap(keyerr.ProviderConfiguration, err, "%s provider storage", provider)
	}
	return &Components{
		Storage:    svc,
		Source:     source,
		KeyWrap:    crypto.NewPBEWrapOperator(iterations),
		SourceName: "static",
	}, nil
}

// readPassword prefers passwordFile over password.
func readPassword(provider string, props Properties) ([]byte, error) {
	if path := props.Get(PropPasswordFile); path != "" {
		password, err := crypto.ReadPasswordFile(path)
		if err != nil {
			return nil, keyerr.Wrap(keyerr.ProviderConfiguration, err, "%s provider password file", provider)
		}
		if len(password) == 0 {
			return nil, keyerr.New(keyerr.ProviderConfiguration, "%s provider password file %s is empty", provider, path)
		}
		return password, nil
	}
	if password := props[PropPassword]; password != "" {
		return []byte(password), nil
	}
	return nil, keyerr.New(keyerr.ProviderConfiguration,
		"%s provider requires property %q or %q", provider, PropPassword, PropPasswordFile)
}

// newAWS stores keys in S3, wrapped under data keys issued by AWS KMS.
func newAWS(ctx context.Context, props Properties, logger *logrus.Logger) (*Components, error) {
	bucket, err := props.Require(AWS, PropS3BucketName)
	if err != nil {
		return nil, err
	}
	masterKeyID, err := props.Require(AWS, PropKMSMasterKeyID)
	if err != nil {
		return nil, err
	}
	dataKeySpec := props.GetOr(PropKMSDataKeySpec, kms.DataKeySpecAES256)
	if _, err := kms.DataKeySize(dataKeySpec); err != nil {
		return nil, keyerr.Wrap(keyerr.ProviderConfiguration, err, "%s provider", AWS)
	}

	svc, err := newS3Storage(ctx, props, bucket, logger)
	if err != nil {
		return nil, err
	}
	masterKeys, err := kms.NewAWSMasterKeyService(ctx, kms.AWSConfig{
		Region:      props.Get(PropRegion),
		MasterKeyID: masterKeyID,
		DataKeySpec: dataKeySpec,
		Endpoint:    props.Get(PropEndpoint),
		AccessKey:   props.Get(PropAccessKey),
		SecretKey:   props.Get(PropSecretKey),
	}, logger)
	if err != nil {
		return nil, keyerr.Wrap(keyerr.ProviderConfiguration, err, "%s provider key management", AWS)
	}

	return &Components{
		Storage:    svc,
		Source:     storage.NewRecordedWrapperKeySource(masterKeys, storage.AWSWrapperTag, crypto.AlgorithmAES),
		KeyWrap:    crypto.NewAESWrapOperator(),
		SourceName: "aws",
	}, nil
}

// newKMIP wraps keys under data keys encrypted by a KMIP server. Content
// goes to S3 when a bucket is named, otherwise to a local directory.
func newKMIP(ctx context.Context, props Properties, logger *logrus.Logger) (*Components, error) {
	endpoint, err := props.Require(KMIP, PropKMIPEndpoint)
	if err != nil {
		return nil, err
	}
	keyID, err := props.Require(KMIP, PropKMIPKeyID)
	if err != nil {
		return nil, err
	}
	tlsConfig, err := kmipTLSConfig(props)
	if err != nil {
		return nil, keyerr.Wrap(keyerr.ProviderConfiguration, err, "%s provider TLS", KMIP)
	}

	var svc storage.StorageService
	switch {
	case props.Get(PropS3BucketName) != "":
		svc, err = newS3Storage(ctx, props, props.Get(PropS3BucketName), logger)
	case props.Get(PropStorageDirectory) != "":
		svc, err = backend.NewFilesystemStorageService(props.Get(PropStorageDirectory), logger)
	default:
		err = keyerr.New(keyerr.ProviderConfiguration,
			"%s provider requires property %q or %q", KMIP, PropS3BucketName, PropStorageDirectory)
	}
	if err != nil {
		return nil, keyerr.Wrap(keyerr.ProviderConfiguration, err, "%s provider storage", KMIP)
	}

	masterKeys, err := kms.NewKMIPMasterKeyService(kms.KMIPConfig{
		Endpoint:    endpoint,
		MasterKeyID: keyID,
		DataKeySpec: props.GetOr(PropKMSDataKeySpec, kms.DataKeySpecAES256),
		TLSConfig:   tlsConfig,
	}, logger)
	if err != nil {
		return nil, keyerr.Wrap(keyerr.ProviderConfiguration, err, "%s provider key management", KMIP)
	}

	return &Components{
		Storage:    svc,
		Source:     storage.NewRecordedWrapperKeySource(masterKeys, storage.KMIPWrapperTag, crypto.AlgorithmAES),
		KeyWrap:    crypto.NewAESWrapOperator(),
		SourceName: "kmip",
	}, nil
}

func newS3Storage(ctx context.Context, props Properties, bucket string, logger *logrus.Logger) (storage.StorageService, error) {
	endpoint := props.Get(PropEndpoint)
	svc, err := s3store.NewService(ctx, s3store.Config{
		Bucket:       bucket,
		Prefix:       props.Get(PropS3Prefix),
		Region:       props.Get(PropRegion),
		Endpoint:     endpoint,
		AccessKey:    props.Get(PropAccessKey),
		SecretKey:    props.Get(PropSecretKey),
		UsePathStyle: endpoint != "",
	}, logger)
	if err != nil {
		return nil, keyerr.Wrap(keyerr.ProviderConfiguration, err, "S3 storage")
	}
	return svc, nil
}

// kmipTLSConfig returns nil when no client certificate or CA is named.
func kmipTLSConfig(props Properties) (*tls.Config, error) {
	certFile := props.Get(PropKMIPCertFile)
	keyFile := props.Get(PropKMIPKeyFile)
	caFile := props.Get(PropKMIPCAFile)
	if certFile == "" && keyFile == "" && caFile == "" {
		return nil, nil
	}

	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if certFile != "" || keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	if caFile != "" {
		pem, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", caFile)
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}
