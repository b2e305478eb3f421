// Package main generates a Certificate Authority (CA) and a server
// certificate, and optionally a client certificate, into a directory.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/atinyakov/CipherSync/internal/certgen"
)

func main() {
	dir := flag.String("dir", "certs", "output directory")
	hosts := flag.String("hosts", "localhost,127.0.0.1", "comma-separated server host names and IPs")
	client := flag.String("client", "", "also issue a client certificate for this login")
	flag.Parse()

	if err := run(*dir, strings.Split(*hosts, ","), *client); err != nil {
		fmt.Fprintln(os.Stderr, "certgen:", err)
		os.Exit(1)
	}
	fmt.Printf("Certificates generated into %s\n", *dir)
}

func run(dir string, hosts []string, clientCN string) error {
	caCertPEM, caKeyPEM, err := certgen.GenerateCA("CipherSync CA")
	if err != nil {
		return err
	}
	if err := certgen.WritePair(dir, "ca", caCertPEM, caKeyPEM); err != nil {
		return err
	}
	caCert, caKey, err := certgen.LoadCACredentials(filepath.Join(dir, "ca.crt"), filepath.Join(dir, "ca.key"))
	if err != nil {
		return err
	}

	certPEM, keyPEM, err := certgen.GenerateServerCertificate(hosts, caCert, caKey)
	if err != nil {
		return err
	}
	if err := certgen.WritePair(dir, "server", certPEM, keyPEM); err != nil {
		return err
	}

	if clientCN == "" {
		return nil
	}
	certPEM, keyPEM, err = certgen.GenerateUserCertificate(clientCN, caCert, caKey)
	if err != nil {
		return err
	}
	return certgen.WritePair(dir, "client", certPEM, keyPEM)
}
