// Package shell implements the client's interactive command loop.
package shell

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/atinyakov/CipherSync/internal/syncer"
)

// Session is the part of session.Session the shell drives.
type Session interface {
	Put(key string, value []byte) error
	Get(key string) ([]byte, error)
	Delete(key string) error
	Keys() ([]string, error)
	Sync(ctx context.Context) (syncer.SyncResult, error)
	SyncState() syncer.State
	Compact() (int, error)
}

const help = "Available commands: help, list, get <key>, put <key> [value], delete <key>, sync, status, compact, exit"

// Shell reads commands line by line and writes results to out.
type Shell struct {
	sess    Session
	scanner *bufio.Scanner
	out     io.Writer
	prompt  string
}

// New returns a shell over sess.
func New(sess Session, in io.Reader, out io.Writer) *Shell {
	return &Shell{
		sess:    sess,
		scanner: bufio.NewScanner(in),
		out:     out,
		prompt:  "ciphersync> ",
	}
}

// Run processes commands until "exit", end of input or ctx is done.
func (s *Shell) Run(ctx context.Context) error {
	for ctx.Err() == nil {
		fmt.Fprint(s.out, s.prompt)
		if !s.scanner.Scan() {
			return s.scanner.Err()
		}
		line := s.scanner.Text()
		args := strings.Fields(line)
		if len(args) == 0 {
			continue
		}
		if args[0] == "exit" {
			fmt.Fprintln(s.out, "Bye")
			return nil
		}
		s.exec(ctx, line, args)
	}
	return ctx.Err()
}

// nextField splits off the first blank-separated word of line. rest keeps
// everything after the single separator byte untouched.
func nextField(line string) (field, rest string) {
	line = strings.TrimLeft(line, " \t")
	i := strings.IndexAny(line, " \t")
	if i < 0 {
		return line, ""
	}
	return line[:i], line[i+1:]
}

func (s *Shell) exec(ctx context.Context, line string, args []string) {
	switch args[0] {
	case "help":
		fmt.Fprintln(s.out, help)
	case "list":
		keys, err := s.sess.Keys()
		if err != nil {
			s.fail(err)
			return
		}
		for _, k := range keys {
			fmt.Fprintln(s.out, k)
		}
	case "get":
		if len(args) != 2 {
			fmt.Fprintln(s.out, "Usage: get <key>")
			return
		}
		v, err := s.sess.Get(args[1])
		if err != nil {
			s.fail(err)
			return
		}
		fmt.Fprintln(s.out, string(v))
	case "put":
		if len(args) < 2 {
			fmt.Fprintln(s.out, "Usage: put <key> [value]")
			return
		}
		_, rest := nextField(line)
		_, raw := nextField(rest)
		var value []byte
		if raw != "" {
			value = []byte(raw)
		} else {
			var err error
			if value, err = s.promptValue(); err != nil {
				s.fail(err)
				return
			}
		}
		if err := s.sess.Put(args[1], value); err != nil {
			s.fail(err)
			return
		}
		fmt.Fprintln(s.out, "Stored")
	case "delete":
		if len(args) != 2 {
			fmt.Fprintln(s.out, "Usage: delete <key>")
			return
		}
		if err := s.sess.Delete(args[1]); err != nil {
			s.fail(err)
			return
		}
		fmt.Fprintln(s.out, "Deleted")
	case "sync":
		res, err := s.sess.Sync(ctx)
		if err != nil {
			s.fail(err)
			return
		}
		fmt.Fprintf(s.out, "Synced: pushed %d, pulled %d, conflicts %d\n", res.Pushed, res.Pulled, res.ConflictsResolved)
	case "status":
		fmt.Fprintln(s.out, "Sync state:", s.sess.SyncState())
	case "compact":
		n, err := s.sess.Compact()
		if err != nil {
			s.fail(err)
			return
		}
		fmt.Fprintf(s.out, "Dropped %d change records\n", n)
	default:
		fmt.Fprintln(s.out, "Unknown command. Type 'help' for a list of commands.")
	}
}

// promptValue asks for a file to load or a value typed on the next line.
func (s *Shell) promptValue() ([]byte, error) {
	fmt.Fprint(s.out, "Enter file path to load (leave empty for manual input): ")
	if !s.scanner.Scan() {
		return nil, errors.New("no input")
	}
	if path := strings.TrimSpace(s.scanner.Text()); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %q: %w", path, err)
		}
		return data, nil
	}
	fmt.Fprint(s.out, "Enter value: ")
	if !s.scanner.Scan() {
		return nil, errors.New("no input")
	}
	return []byte(s.scanner.Text()), nil
}

func (s *Shell) fail(err error) {
	fmt.Fprintln(s.out, "Error:", err)
}
