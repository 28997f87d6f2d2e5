package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/jmoiron/sqlx"

	"github.com/buildlog-io/buildlog/internal/invocation"
)

// scrubbedValue replaces the tail of secret-bearing option tokens in storage.
const scrubbedValue = "<SCRUBBED>"

// scrubOption redacts option tokens that can carry credentials. Header-style
// options embed a name=secret pair in their value ("--bes_header=auth=tok"),
// so any token with at least two '=' keeps the prefix through the second '='
// and loses the rest. Tokens with fewer than two '=' pass through unchanged.
func scrubOption(token string) string {
	first := strings.Index(token, "=")
	if first < 0 {
		return token
	}

	second := strings.Index(token[first+1:], "=")
	if second < 0 {
		return token
	}

	return token[:first+1+second+1] + scrubbedValue
}

// InsertOptions writes one row per option line across all buckets. Each
// bucket gets a UUID derived from its content and its rows are numbered
// <uuid>-0000, <uuid>-0001, ... so a plain ORDER BY id read returns the
// lines of a bucket in report order. Tokens are scrubbed before they touch
// the database.
func (s *InvocationStore) InsertOptions(ctx context.Context, invocationID string, opts *invocation.BuildOptions) error {
	if opts == nil || opts.Empty() {
		return nil
	}

	tx, err := s.conn.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin transaction: %w", ErrBackend, err)
	}

	defer func() {
		_ = tx.Rollback() // Safe to call after commit.
	}()

	query := s.conn.rebind(`
		INSERT INTO options (id, invocation_id, kind, keyval)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`)

	stmt, err := tx.PreparexContext(ctx, query)
	if err != nil {
		return fmt.Errorf("%w: prepare options insert: %w", ErrBackend, err)
	}
	defer stmt.Close()

	buckets := []struct {
		kind  string
		lines []string
	}{
		{invocation.OptionKindUnstructured, opts.Unstructured},
		{invocation.OptionKindStartup, opts.Startup},
		{invocation.OptionKindExplicitStartup, opts.ExplicitStartup},
		{invocation.OptionKindCmdLine, opts.CmdLine},
		{invocation.OptionKindExplicitCmdLine, opts.ExplicitCmdLine},
		{invocation.OptionKindBuildMetadata, opts.BuildMetadata},
	}

	for kind, lines := range opts.Other {
		buckets = append(buckets, struct {
			kind  string
			lines []string
		}{kind, lines})
	}

	for _, b := range buckets {
		if err := insertOptionBucket(ctx, stmt, invocationID, b.kind, b.lines); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit options: %w", ErrBackend, err)
	}

	return nil
}

func insertOptionBucket(ctx context.Context, stmt *sqlx.Stmt, invocationID, kind string, lines []string) error {
	if len(lines) == 0 {
		return nil
	}

	// Deterministic batch id so a replayed stream inserts identical rows and
	// the ON CONFLICT clause swallows them.
	seed := invocationID + "|" + kind + "|" + strings.Join(lines, "\x00")
	batch := uuid.NewSHA1(uuid.NameSpaceOID, []byte(seed)).String()

	for i, line := range lines {
		id := fmt.Sprintf("%s-%04d", batch, i)
		if _, err := stmt.ExecContext(ctx, id, invocationID, kind, scrubOption(line)); err != nil {
			return fmt.Errorf("%w: insert option: %w", ErrBackend, err)
		}
	}

	return nil
}

// GetOptions returns all option lines for an invocation, bucketized by kind,
// in stored (batch, index) order within each kind.
func (s *InvocationStore) GetOptions(ctx context.Context, invocationID string) (*invocation.BuildOptions, error) {
	query := s.conn.rebind(`
		SELECT kind, keyval FROM options WHERE invocation_id = ? ORDER BY id ASC`)

	rows, err := s.conn.db.QueryContext(ctx, query, invocationID)
	if err != nil {
		return nil, fmt.Errorf("%w: query options: %w", ErrBackend, err)
	}
	defer rows.Close()

	opts := &invocation.BuildOptions{}

	for rows.Next() {
		var kind, keyval string
		if err := rows.Scan(&kind, &keyval); err != nil {
			return nil, fmt.Errorf("%w: scan option: %w", ErrBackend, err)
		}

		switch kind {
		case invocation.OptionKindUnstructured:
			opts.Unstructured = append(opts.Unstructured, keyval)
		case invocation.OptionKindStartup:
			opts.Startup = append(opts.Startup, keyval)
		case invocation.OptionKindExplicitStartup:
			opts.ExplicitStartup = append(opts.ExplicitStartup, keyval)
		case invocation.OptionKindCmdLine:
			opts.CmdLine = append(opts.CmdLine, keyval)
		case invocation.OptionKindExplicitCmdLine:
			opts.ExplicitCmdLine = append(opts.ExplicitCmdLine, keyval)
		case invocation.OptionKindBuildMetadata:
			opts.BuildMetadata = append(opts.BuildMetadata, keyval)
		default:
			if opts.Other == nil {
				opts.Other = map[string][]string{}
			}

			opts.Other[kind] = append(opts.Other[kind], keyval)
		}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate options: %w", ErrBackend, err)
	}

	return opts, nil
}
