package main

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/atinyakov/CipherSync/internal/client/shell"
	"github.com/atinyakov/CipherSync/internal/client/transport"
	"github.com/atinyakov/CipherSync/internal/config"
	"github.com/atinyakov/CipherSync/internal/kv"
	"github.com/atinyakov/CipherSync/internal/logger"
	"github.com/atinyakov/CipherSync/internal/session"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// commandDeps are the process-level inputs of the commands.
type commandDeps struct {
	in       io.Reader
	out      io.Writer
	defaults config.ClientOptions
	store    kv.Options
}

func defaultDeps() commandDeps {
	return commandDeps{
		in:       os.Stdin,
		out:      os.Stdout,
		defaults: config.ClientFromEnv(),
	}
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	serverURL string
	storePath string
	certDir   string
	caFile    string
	logLevel  string
}

func newRootCommand(deps commandDeps) *cobra.Command {
	g := &globalFlags{}
	cmd := &cobra.Command{
		Use:           "ciphersync",
		Short:         "Encrypted key/value store with server sync",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetIn(deps.in)
	cmd.SetOut(deps.out)

	pf := cmd.PersistentFlags()
	pf.StringVar(&g.serverURL, "url", deps.defaults.ServerURL, "sync server base URL ($"+config.EnvServerURL+")")
	pf.StringVar(&g.storePath, "store", deps.defaults.StorePath, "path of the local encrypted store")
	pf.StringVar(&g.certDir, "cert-dir", deps.defaults.CertDir, "directory holding the client certificate")
	pf.StringVar(&g.caFile, "ca", deps.defaults.CAFile, "CA certificate of the sync server")
	pf.StringVar(&g.logLevel, "log-level", "warn", "log level")

	cmd.AddCommand(
		newRegisterCommand(deps, g),
		newPutCommand(deps, g),
		newGetCommand(deps, g),
		newDeleteCommand(deps, g),
		newSyncCommand(deps, g),
		newShellCommand(deps, g),
		newVerifyCommand(deps, g),
		newDestroyCommand(deps, g),
		newVersionCommand(deps),
	)
	return cmd
}

func newVersionCommand(deps commandDeps) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build version and date",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(deps.out, "CipherSync Client\nVersion: %s\nBuild Date: %s\n",
				cmp.Or(version, "N/A"), cmp.Or(buildDate, "N/A"))
			return err
		},
	}
}

func newRegisterCommand(deps commandDeps, g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "register <login>",
		Short: "Enroll with the sync server and store the issued certificate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := transport.Register(cmd.Context(), g.serverURL, args[0], g.caFile, g.certDir); err != nil {
				return err
			}
			_, err := fmt.Fprintf(deps.out, "Registered %s, certificate stored in %s\n", args[0], g.certDir)
			return err
		},
	}
}

func newPutCommand(deps commandDeps, g *globalFlags) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "put <key> [value]",
		Short: "Store a value",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var value []byte
			switch {
			case len(args) == 2 && file != "":
				return errors.New("put takes either a value or --file")
			case len(args) == 2:
				value = []byte(args[1])
			case file != "":
				data, err := os.ReadFile(file)
				if err != nil {
					return fmt.Errorf("read %s: %w", file, err)
				}
				value = data
			default:
				return errors.New("put requires a value or --file")
			}
			return withSession(cmd.Context(), deps, g, false, func(s *session.Session) error {
				return s.Put(args[0], value)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "read the value from a file")
	return cmd
}

func newGetCommand(deps commandDeps, g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Print a value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), deps, g, false, func(s *session.Session) error {
				v, err := s.Get(args[0])
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(deps.out, string(v))
				return err
			})
		},
	}
}

func newDeleteCommand(deps commandDeps, g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key>",
		Short: "Delete a value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), deps, g, false, func(s *session.Session) error {
				return s.Delete(args[0])
			})
		},
	}
}

func newSyncCommand(deps commandDeps, g *globalFlags) *cobra.Command {
	var compact bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync round with the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSession(cmd.Context(), deps, g, true, func(s *session.Session) error {
				res, err := s.Sync(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(deps.out, "Synced in %d attempt(s): pushed %d, pulled %d, conflicts %d\n",
					res.Attempts, res.Pushed, res.Pulled, res.ConflictsResolved)
				if !compact {
					return nil
				}
				n, err := s.Compact()
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(deps.out, "Dropped %d change records\n", n)
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&compact, "compact", false, "drop synced change records afterwards")
	return cmd
}

func newShellCommand(deps commandDeps, g *globalFlags) *cobra.Command {
	var offline bool
	cmd := &cobra.Command{
		Use:   "shell",
		Short: "Interactive shell with background sync",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSession(cmd.Context(), deps, g, !offline, func(s *session.Session) error {
				if !offline {
					if err := s.Start(cmd.Context()); err != nil {
						return err
					}
				}
				return shell.New(s, deps.in, deps.out).Run(cmd.Context())
			})
		},
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "do not sync with the server")
	return cmd
}

func newVerifyCommand(deps commandDeps, g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check every stored page for damage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSession(cmd.Context(), deps, g, false, func(s *session.Session) error {
				bad, err := s.Verify()
				if err != nil {
					return err
				}
				if len(bad) == 0 {
					_, err = fmt.Fprintln(deps.out, "Store OK")
					return err
				}
				for _, id := range bad {
					fmt.Fprintf(deps.out, "page %d is damaged\n", id)
				}
				return fmt.Errorf("%d damaged page(s); rewrite the affected keys or sync them back", len(bad))
			})
		},
	}
}

func newDestroyCommand(deps commandDeps, g *globalFlags) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "destroy",
		Short: "Delete the local store, its change log and checkpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return errors.New("destroy deletes all local data; pass --yes to confirm")
			}
			if err := session.Destroy(g.storePath, session.Options{Store: deps.store}); err != nil {
				return err
			}
			_, err := fmt.Fprintf(deps.out, "Removed %s\n", g.storePath)
			return err
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm deletion")
	return cmd
}

// withSession opens the store, runs fn and closes the store. With remote
// set the session is wired to the sync server using the stored client
// certificate.
func withSession(ctx context.Context, deps commandDeps, g *globalFlags, remote bool, fn func(*session.Session) error) error {
	log := logger.New()
	if err := log.Init(g.logLevel); err != nil {
		return err
	}
	defer func() { _ = log.Log.Sync() }()

	passphrase, err := readPassphrase(deps)
	if err != nil {
		return err
	}

	opts := session.Options{Store: deps.store, Logger: log.Log}
	if remote {
		client, err := transport.LoadClientCertificate(
			filepath.Join(g.certDir, transport.CertFile),
			filepath.Join(g.certDir, transport.KeyFile),
			g.caFile,
		)
		if err != nil {
			return fmt.Errorf("load client certificate (run register first): %w", err)
		}
		opts.Remote = transport.NewHTTPRemote(client, g.serverURL, log.Log)
	}

	if err := os.MkdirAll(filepath.Dir(g.storePath), 0o700); err != nil {
		return fmt.Errorf("create store directory: %w", err)
	}
	s, err := session.Open(g.storePath, passphrase, opts)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			log.Log.Warn("close session", zap.Error(err))
		}
	}()
	return fn(s)
}

// readPassphrase takes the passphrase from the environment, or the first
// input line.
func readPassphrase(deps commandDeps) ([]byte, error) {
	if deps.defaults.Passphrase != "" {
		return []byte(deps.defaults.Passphrase), nil
	}
	fmt.Fprint(deps.out, "Passphrase: ")
	line, err := readLine(deps.in)
	if err != nil {
		return nil, fmt.Errorf("read passphrase: %w", err)
	}
	if line == "" {
		return nil, fmt.Errorf("empty passphrase (set $%s)", config.EnvPassphrase)
	}
	return []byte(line), nil
}

// readLine reads up to a newline one byte at a time so that the rest of in
// stays available to the shell.
func readLine(in io.Reader) (string, error) {
	var sb strings.Builder
	buf := make([]byte, 1)
	for {
		n, err := in.Read(buf)
		if n == 1 {
			if buf[0] == '\n' {
				break
			}
			sb.WriteByte(buf[0])
		}
		if errors.Is(err, io.EOF) && sb.Len() > 0 {
			break
		}
		if err != nil {
			return "", err
		}
	}
	return strings.TrimRight(sb.String(), "\r"), nil
}
