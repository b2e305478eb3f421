package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// File names Register writes into its target directory.
const (
	CertFile = "client.crt"
	KeyFile  = "client.key"
)

var errBadCA = errors.New("failed to parse CA cert")

func loadCAPool(caPath string) (*x509.CertPool, error) {
	caCert, err := os.ReadFile(caPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA cert: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, errBadCA
	}
	return pool, nil
}

// Register enrolls login with the server and stores the issued client
// certificate and key in dir.
func Register(ctx context.Context, baseURL, login, caPath, dir string) error {
	pool, err := loadCAPool(caPath)
	if err != nil {
		return err
	}
	client := &http.Client{
		Transport: &http.Transport{TLSClientConfig: &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}},
		Timeout:   10 * time.Second,
	}
	return register(ctx, client, baseURL, login, dir)
}

func register(ctx context.Context, client *http.Client, baseURL, login, dir string) error {
	b, err := json.Marshal(map[string]string{"login": login})
	if err != nil {
		return fmt.Errorf("encode register request: %w", err)
	}
	u := strings.TrimRight(baseURL, "/") + "/api/register"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("build register request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("register failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server error: %s", readErrorBody(resp.Body))
	}

	var certData struct {
		Cert string `json:"cert"`
		Key  string `json:"key"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&certData); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if certData.Cert == "" || certData.Key == "" {
		return errors.New("server returned an empty certificate")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create cert dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, CertFile), []byte(certData.Cert), 0o600); err != nil {
		return fmt.Errorf("failed to save %s: %w", CertFile, err)
	}
	if err := os.WriteFile(filepath.Join(dir, KeyFile), []byte(certData.Key), 0o600); err != nil {
		return fmt.Errorf("failed to save %s: %w", KeyFile, err)
	}
	return nil
}

// LoadClientCertificate builds an mTLS client from the certificate pair and
// the CA that signed the server certificate.
func LoadClientCertificate(certFile, keyFile, caFile string) (*http.Client, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load client cert/key: %w", err)
	}
	pool, err := loadCAPool(caFile)
	if err != nil {
		return nil, err
	}
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			Certificates: []tls.Certificate{cert},
			RootCAs:      pool,
			MinVersion:   tls.VersionTLS12,
		},
	}
	return &http.Client{Transport: transport, Timeout: 10 * time.Second}, nil
}
