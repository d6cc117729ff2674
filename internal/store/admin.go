package store

import (
	"fmt"
	"net/http"

	"github.com/minio/madmin-go/v3"

	"github.com/seguro-projekt/platform/internal/config"
)

// NewAdminClient connects to the store's admin API using the administrative
// credentials from the configuration, with the same TLS material as the
// data-path client.
func NewAdminClient(cfg *config.Config) (*madmin.AdminClient, error) {
	adm, err := madmin.New(cfg.S3Endpoint(), cfg.AdminUsername, cfg.AdminPassword, cfg.S3Secure)
	if err != nil {
		return nil, fmt.Errorf("failed to create store admin client: %w", err)
	}

	if cfg.S3Secure {
		tlsCfg, err := clientTLSConfig(cfg.TLSCACert, cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS material: %w", err)
		}
		adm.SetCustomTransport(&http.Transport{TLSClientConfig: tlsCfg})
	}

	return adm, nil
}
