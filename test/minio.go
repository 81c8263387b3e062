package test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/soulwing/s2ks/internal/provider"
)

// MinIOTestServer manages a local MinIO server for testing.
type MinIOTestServer struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	DataDir   string
	cmd       *exec.Cmd
	once      sync.Once
	cleanup   func()
}

var (
	minioServer *MinIOTestServer
	minioErr    error
	minioOnce   sync.Once
)

// StartMinIOServer starts a MinIO server shared by the tests of this
// package. It uses Docker if available, otherwise a local MinIO binary, and
// skips the test when neither is present.
func StartMinIOServer(t *testing.T) *MinIOTestServer {
	t.Helper()
	if testing.Short() {
		t.Skip("MinIO tests are skipped in short mode")
	}
	if !hasDocker() && !hasMinIOBinary() {
		t.Skip("MinIO server not available. Install Docker or MinIO binary for integration tests.")
	}

	minioOnce.Do(func() {
		server := &MinIOTestServer{
			AccessKey: "minioadmin",
			SecretKey: "minioadmin",
			Bucket:    "s2ks-test",
		}
		if hasDocker() {
			minioErr = server.startDockerMinIO()
		} else {
			minioErr = server.startBinaryMinIO()
		}
		if minioErr == nil {
			minioErr = server.createBucket(context.Background())
		}
		if minioErr != nil {
			server.Stop()
			return
		}
		minioServer = server
	})

	if minioErr != nil {
		t.Fatalf("MinIO failed to start: %v", minioErr)
	}
	return minioServer
}

func hasDocker() bool {
	return exec.Command("docker", "version").Run() == nil
}

func hasMinIOBinary() bool {
	return exec.Command("minio", "--version").Run() == nil
}

func (m *MinIOTestServer) startDockerMinIO() error {
	containerName := fmt.Sprintf("s2ks-minio-test-%d", time.Now().Unix())
	port := "9000"
	m.Endpoint = fmt.Sprintf("http://localhost:%s", port)

	cmd := exec.Command("docker", "run", "--rm", "-d",
		"-p", fmt.Sprintf("%s:9000", port),
		"-e", fmt.Sprintf("MINIO_ROOT_USER=%s", m.AccessKey),
		"-e", fmt.Sprintf("MINIO_ROOT_PASSWORD=%s", m.SecretKey),
		"--name", containerName,
		"minio/minio:latest",
		"server", "/data",
	)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("failed to start MinIO Docker container: %w", err)
	}

	m.cleanup = func() {
		_ = exec.Command("docker", "stop", containerName).Run()
	}
	return m.waitForMinIO()
}

func (m *MinIOTestServer) startBinaryMinIO() error {
	dataDir, err := os.MkdirTemp("", "s2ks-minio-test-*")
	if err != nil {
		return fmt.Errorf("failed to create temp directory: %w", err)
	}
	m.DataDir = dataDir

	port := "9000"
	m.Endpoint = fmt.Sprintf("http://localhost:%s", port)

	cmd := exec.Command("minio", "server", dataDir, "--address", fmt.Sprintf(":%s", port))
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("MINIO_ROOT_USER=%s", m.AccessKey),
		fmt.Sprintf("MINIO_ROOT_PASSWORD=%s", m.SecretKey),
	)
	if err := cmd.Start(); err != nil {
		os.RemoveAll(dataDir)
		return fmt.Errorf("failed to start MinIO: %w", err)
	}

	m.cmd = cmd
	m.cleanup = func() {
		if m.cmd != nil && m.cmd.Process != nil {
			_ = m.cmd.Process.Kill()
		}
		os.RemoveAll(dataDir)
	}
	return m.waitForMinIO()
}

// waitForMinIO polls the liveness endpoint until MinIO answers.
func (m *MinIOTestServer) waitForMinIO() error {
	timeout := time.After(30 * time.Second)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-timeout:
			return fmt.Errorf("timeout waiting for MinIO")
		case <-ticker.C:
			resp, err := http.Get(m.Endpoint + "/minio/health/live")
			if err == nil {
				resp.Body.Close()
				if resp.StatusCode == http.StatusOK {
					return nil
				}
			}
		}
	}
}

// S3Client returns a path-style client for the test server.
func (m *MinIOTestServer) S3Client(ctx context.Context) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion("us-east-1"),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(m.AccessKey, m.SecretKey, "")),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(m.Endpoint)
		o.UsePathStyle = true
	}), nil
}

func (m *MinIOTestServer) createBucket(ctx context.Context) error {
	client, err := m.S3Client(ctx)
	if err != nil {
		return err
	}
	_, err = client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(m.Bucket)})
	var owned *types.BucketAlreadyOwnedByYou
	if err != nil && !errors.As(err, &owned) {
		return fmt.Errorf("failed to create bucket %s: %w", m.Bucket, err)
	}
	return nil
}

// Properties returns the S3 provider properties that address the test
// bucket under prefix.
func (m *MinIOTestServer) Properties(prefix string) map[string]string {
	return map[string]string{
		provider.PropS3BucketName: m.Bucket,
		provider.PropS3Prefix:     prefix,
		provider.PropEndpoint:     m.Endpoint,
		provider.PropRegion:       "us-east-1",
		provider.PropAccessKey:    m.AccessKey,
		provider.PropSecretKey:    m.SecretKey,
	}
}

// Stop stops the MinIO server and cleans up resources.
func (m *MinIOTestServer) Stop() {
	m.once.Do(func() {
		if m.cleanup != nil {
			m.cleanup()
		}
	})
}
