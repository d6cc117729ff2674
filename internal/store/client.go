// Package store provides access to the platform's S3 object store and the
// change-feed watchers built on top of its bucket notifications.
package store

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/notification"
	"github.com/rs/zerolog"

	"github.com/seguro-projekt/platform/internal/config"
)

// Client is a bucket-scoped facade over the object store. It is safe for
// concurrent use by multiple goroutines.
type Client struct {
	mc     *minio.Client
	bucket string
	log    zerolog.Logger
}

// NewClient connects to the object store using the credentials and TLS
// material from the configuration.
func NewClient(cfg *config.Config, log zerolog.Logger) (*Client, error) {
	opts := &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.S3AccessKey, cfg.S3SecretKey, ""),
		Secure: cfg.S3Secure,
		Region: cfg.S3Region,
	}

	if cfg.S3Secure {
		tlsCfg, err := clientTLSConfig(cfg.TLSCACert, cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS material: %w", err)
		}
		opts.Transport = &http.Transport{TLSClientConfig: tlsCfg}
	}

	mc, err := minio.New(cfg.S3Endpoint(), opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create store client: %w", err)
	}

	return &Client{
		mc:     mc,
		bucket: cfg.S3Bucket,
		log:    log.With().Str("component", "store").Logger(),
	}, nil
}

// clientTLSConfig builds a mutually-authenticated TLS configuration from
// PEM files. The client certificate is optional; the CA is not.
func clientTLSConfig(caCert, cert, key string) (*tls.Config, error) {
	pem, err := os.ReadFile(caCert)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", caCert)
	}

	tlsCfg := &tls.Config{RootCAs: pool}

	if cert != "" && key != "" {
		pair, err := tls.LoadX509KeyPair(cert, key)
		if err != nil {
			return nil, fmt.Errorf("failed to load client key pair: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{pair}
	}

	return tlsCfg, nil
}

// Bucket returns the name of the bucket this client is scoped to.
func (c *Client) Bucket() string {
	return c.bucket
}

// GetObject fetches the full contents of an object.
func (c *Client) GetObject(ctx context.Context, key string) ([]byte, error) {
	obj, err := c.mc.GetObject(ctx, c.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}

	return data, nil
}

// PutObject writes contents under the given key.
func (c *Client) PutObject(ctx context.Context, key string, data []byte) error {
	_, err := c.mc.PutObject(ctx, c.bucket, key,
		bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{})
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}

	return nil
}

// RemoveObject deletes an object. Removing a missing object is not an error.
func (c *Client) RemoveObject(ctx context.Context, key string) error {
	err := c.mc.RemoveObject(ctx, c.bucket, key, minio.RemoveObjectOptions{})
	if err != nil {
		return fmt.Errorf("failed to remove %s: %w", key, err)
	}

	return nil
}

// ListObjects enumerates all keys under a prefix in lexicographic order.
func (c *Client) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	var keys []string

	for info := range c.mc.ListObjects(ctx, c.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if info.Err != nil {
			return nil, fmt.Errorf("failed to list %s: %w", prefix, info.Err)
		}
		keys = append(keys, info.Key)
	}

	sort.Strings(keys)

	return keys, nil
}

// listen subscribes to the bucket notification feed, filtered server-side
// to the given S3 event name patterns. The returned channel is closed when
// the context is cancelled, which also closes the underlying long poll.
func (c *Client) listen(ctx context.Context, prefix string, events []string) <-chan notification.Info {
	return c.mc.ListenBucketNotification(ctx, c.bucket, prefix, "", events)
}
