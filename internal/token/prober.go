package token

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/etsangsplk/concent/internal/domain"
	"github.com/etsangsplk/concent/internal/metrics"
)

// Prober checks the storage cluster for files using arbiter-signed tokens.
type Prober struct {
	issuer     *Issuer
	httpClient *http.Client
}

// NewProber creates a Prober. caCertPath may be empty.
func NewProber(issuer *Issuer, caCertPath string) (*Prober, error) {
	client, err := NewHTTPClient(caCertPath, 30*time.Second)
	if err != nil {
		return nil, err
	}
	return &Prober{issuer: issuer, httpClient: client}, nil
}

// NewHTTPClient returns a client for the storage cluster that trusts only the
// PEM bundle at caCertPath. An empty path keeps the system roots.
func NewHTTPClient(caCertPath string, timeout time.Duration) (*http.Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if caCertPath != "" {
		pem, err := os.ReadFile(caCertPath)
		if err != nil {
			return nil, fmt.Errorf("read storage cluster CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in %s", caCertPath)
		}
		transport.TLSClientConfig = &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
	}
	return &http.Client{Timeout: timeout, Transport: transport}, nil
}

// RequestUploadStatus reports whether the single file named by token is
// present on the cluster. A 2xx answer means present and 401 or 404 mean
// absent. Anything else is a STORAGE_UNEXPECTED_RESPONSE error.
func (p *Prober) RequestUploadStatus(ctx context.Context, token domain.FileTransferToken) (bool, error) {
	if len(token.Files) != 1 {
		panic("token: upload status probe needs exactly one file")
	}
	file := token.Files[0]
	if strings.HasPrefix(file.Path, "/") {
		panic("token: file path must be cluster relative")
	}

	probe, err := p.issuer.Issue(p.issuer.PublicKey(), domain.OperationUpload, []domain.FileInfo{file})
	if err != nil {
		return false, err
	}
	headers, err := p.issuer.AuthorizationHeaders(probe)
	if err != nil {
		return false, err
	}

	url := p.issuer.ClusterURL() + DownloadPath + file.Path
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return false, fmt.Errorf("build probe request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		metrics.StorageProbes.WithLabelValues("error").Inc()
		return false, fmt.Errorf("probe %s: %w", file.Path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		metrics.StorageProbes.WithLabelValues("present").Inc()
		return true, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusNotFound:
		metrics.StorageProbes.WithLabelValues("absent").Inc()
		return false, nil
	default:
		metrics.StorageProbes.WithLabelValues("unexpected").Inc()
		log.WithFields(log.Fields{
			"path":   file.Path,
			"status": resp.StatusCode,
		}).Error("Storage cluster returned an unexpected response")
		return false, domain.NewError(domain.CodeStorageUnexpected,
			fmt.Sprintf("HEAD %s returned %d", file.Path, resp.StatusCode))
	}
}
