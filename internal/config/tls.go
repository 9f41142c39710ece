package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"

	"github.com/withobsrvr/searchsync/internal/utils/logger"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// TLSMode represents the mode of TLS operation
type TLSMode string

const (
	// TLSModeDisabled disables TLS encryption
	TLSModeDisabled TLSMode = "disabled"

	// TLSModeEnabled enables TLS encryption
	TLSModeEnabled TLSMode = "enabled"

	// TLSModeMutual enables mutual TLS (mTLS) with client authentication
	TLSModeMutual TLSMode = "mutual"
)

// TLSConfig contains TLS configuration options
type TLSConfig struct {
	// Mode specifies the TLS mode: disabled, enabled, or mutual
	Mode TLSMode `yaml:"mode" mapstructure:"mode"`

	// CertFile is the path to the certificate file
	CertFile string `yaml:"cert_file,omitempty" mapstructure:"cert_file"`

	// KeyFile is the path to the private key file
	KeyFile string `yaml:"key_file,omitempty" mapstructure:"key_file"`

	// CAFile is the path to the certificate authority file
	CAFile string `yaml:"ca_file,omitempty" mapstructure:"ca_file"`

	// SkipVerify disables certificate verification if true
	SkipVerify bool `yaml:"skip_verify,omitempty" mapstructure:"skip_verify"`

	// ServerName is used to verify the hostname on the certificate
	ServerName string `yaml:"server_name,omitempty" mapstructure:"server_name"`
}

// DefaultTLSConfig returns a default TLS configuration with TLS disabled
func DefaultTLSConfig() *TLSConfig {
	return &TLSConfig{
		Mode:       TLSModeDisabled,
		SkipVerify: false,
	}
}

// Enabled reports whether TLS is on in any mode
func (c *TLSConfig) Enabled() bool {
	return c.Mode == TLSModeEnabled || c.Mode == TLSModeMutual
}

// Validate checks that the mode is known and that every referenced file exists
func (c *TLSConfig) Validate() error {
	switch c.Mode {
	case "", TLSModeDisabled:
		return nil
	case TLSModeEnabled, TLSModeMutual:
	default:
		return fmt.Errorf("unknown tls mode: %s", c.Mode)
	}

	if c.Mode == TLSModeMutual && (c.CertFile == "" || c.KeyFile == "") {
		return fmt.Errorf("cert_file and key_file are required for mutual TLS")
	}

	for _, f := range []string{c.CertFile, c.KeyFile, c.CAFile} {
		if f == "" {
			continue
		}
		if _, err := os.Stat(f); os.IsNotExist(err) {
			return fmt.Errorf("file does not exist: %s", f)
		}
	}

	return nil
}

// ClientConfig builds a tls.Config for outgoing connections to the source or index.
// It returns nil when TLS is disabled.
func (c *TLSConfig) ClientConfig() (*tls.Config, error) {
	if !c.Enabled() {
		return nil, nil
	}

	tlsConfig := &tls.Config{
		InsecureSkipVerify: c.SkipVerify,
		ServerName:         c.ServerName,
	}

	if c.Mode == TLSModeMutual {
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate and key: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	if c.CAFile != "" {
		pool, err := loadCertPool(c.CAFile)
		if err != nil {
			return nil, err
		}
		tlsConfig.RootCAs = pool
	}

	return tlsConfig, nil
}

// LoadServerCredentials creates gRPC server credentials from the TLS configuration
func (c *TLSConfig) LoadServerCredentials() (grpc.ServerOption, error) {
	if !c.Enabled() {
		logger.Debug("TLS disabled for health server")
		return nil, nil
	}
	if c.CertFile == "" || c.KeyFile == "" {
		return nil, fmt.Errorf("cert_file and key_file are required to serve TLS")
	}

	logger.Info("Loading TLS credentials for health server",
		zap.String("mode", string(c.Mode)),
		zap.String("cert_file", c.CertFile))

	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS credentials: %w", err)
	}
	tlsConfig := &tls.Config{Certificates: []tls.Certificate{cert}}

	if c.Mode == TLSModeMutual && c.CAFile != "" {
		pool, err := loadCertPool(c.CAFile)
		if err != nil {
			return nil, err
		}
		tlsConfig.ClientCAs = pool
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return grpc.Creds(credentials.NewTLS(tlsConfig)), nil
}

// LoadClientCredentials creates gRPC client credentials from the TLS configuration
func (c *TLSConfig) LoadClientCredentials() (grpc.DialOption, error) {
	tlsConfig, err := c.ClientConfig()
	if err != nil {
		return nil, err
	}
	if tlsConfig == nil {
		return grpc.WithTransportCredentials(insecure.NewCredentials()), nil
	}
	return grpc.WithTransportCredentials(credentials.NewTLS(tlsConfig)), nil
}

// ResolveCertPath resolves a certificate path relative to a base directory
func ResolveCertPath(path string, baseDir string) string {
	if path != "" && !filepath.IsAbs(path) && baseDir != "" {
		return filepath.Join(baseDir, path)
	}
	return path
}

func loadCertPool(caFile string) (*x509.CertPool, error) {
	caCert, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to add CA certificate to pool")
	}
	return pool, nil
}
