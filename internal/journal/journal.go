// Package journal runs bounded, read-only journalctl queries on behalf of
// remote operators.
package journal

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/barawn/software-pueo-turf/internal/observability"
	"github.com/barawn/software-pueo-turf/internal/tools"
	"github.com/rs/zerolog"
)

var (
	ErrEmptyQuery = errors.New("journal: empty query")
	ErrRejected   = errors.New("journal: argument rejected")
)

const (
	DefaultBinary  = "journalctl"
	DefaultTimeout = 5 * time.Second
	MaxArgs        = 16
)

var safeArg = regexp.MustCompile(`^[A-Za-z0-9_.,:=@+/%-]+$`)

// flags that mutate journal state, follow forever, or read outside the
// system journal
var deniedFlags = []string{
	"--rotate",
	"--vacuum-size",
	"--vacuum-time",
	"--vacuum-files",
	"--flush",
	"--sync",
	"--relinquish-var",
	"--smart-relinquish-var",
	"--setup-keys",
	"--update-catalog",
	"--follow",
	"-f",
	"--file",
	"--directory",
	"-D",
	"--root",
	"--image",
	"--namespace",
	"--cursor-file",
	"--output-fields",
}

// Sanitize splits args on whitespace and rejects anything outside a
// conservative read-only subset.
func Sanitize(args string) ([]string, error) {
	argv := strings.Fields(args)
	if len(argv) == 0 {
		return nil, ErrEmptyQuery
	}
	if len(argv) > MaxArgs {
		return nil, fmt.Errorf("%w: %d arguments", ErrRejected, len(argv))
	}
	for _, a := range argv {
		if !safeArg.MatchString(a) {
			return nil, fmt.Errorf("%w: %q", ErrRejected, a)
		}
		for _, d := range deniedFlags {
			if a == d || strings.HasPrefix(a, d+"=") {
				return nil, fmt.Errorf("%w: %q", ErrRejected, a)
			}
		}
		// bundled short flags such as -fn
		if len(a) > 1 && a[0] == '-' && a[1] != '-' && strings.ContainsAny(a[1:2], "fD") {
			return nil, fmt.Errorf("%w: %q", ErrRejected, a)
		}
	}
	return argv, nil
}

// Query implements hsk.LogQuery.
type Query struct {
	runner  tools.CommandRunner
	binary  string
	timeout time.Duration
	log     zerolog.Logger
}

func New(runner tools.CommandRunner, timeout time.Duration) *Query {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if runner == nil {
		runner = tools.ExecRunner{}
	}
	return &Query{
		runner:  runner,
		binary:  DefaultBinary,
		timeout: timeout,
		log:     observability.Component("journal"),
	}
}

// Query runs journalctl with the sanitized args. Output captured before a
// timeout is returned without error; a non-zero exit still returns stdout.
func (q *Query) Query(ctx context.Context, args string) ([]byte, error) {
	argv, err := Sanitize(args)
	if err != nil {
		return nil, err
	}
	argv = append([]string{"--no-pager"}, argv...)

	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()
	start := time.Now()
	out, stderr, code, err := q.runner.Run(ctx, q.binary, argv...)
	switch {
	case errors.Is(err, tools.ErrTimeout):
		q.log.Warn().Dur("timeout", q.timeout).Int("bytes", len(out)).Msg("journal query timed out, keeping partial output")
		return out, nil
	case code == 127:
		return nil, fmt.Errorf("journal: run %s: %w", q.binary, err)
	case err != nil:
		q.log.Warn().Err(err).Int32("exit", code).Str("stderr", strings.TrimSpace(string(stderr))).Msg("journal query failed")
	}
	q.log.Debug().Strs("args", argv).Int("bytes", len(out)).Dur("took", time.Since(start)).Msg("journal query")
	return out, nil
}
