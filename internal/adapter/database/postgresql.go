package database

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/perimetra/salvor/internal/cmdexec"
	"github.com/perimetra/salvor/internal/config"
)

// Runner executes the postgres client tools.
type Runner interface {
	Run(ctx context.Context, cmd cmdexec.Command) (*cmdexec.Result, error)
}

type PostgreSQLDatabase struct {
	config  *config.DatabaseConfig
	runner  Runner
	timeout time.Duration
}

func NewPostgreSQL(cfg *config.DatabaseConfig, runner Runner, stepTimeout time.Duration) *PostgreSQLDatabase {
	return &PostgreSQLDatabase{config: cfg, runner: runner, timeout: stepTimeout}
}

func (p *PostgreSQLDatabase) connArgs() []string {
	return []string{
		fmt.Sprintf("--host=%s", p.config.Host),
		fmt.Sprintf("--port=%d", p.config.Port),
		fmt.Sprintf("--username=%s", p.config.Username),
	}
}

// env carries credentials to the client tools so they never show up in
// a process listing.
func (p *PostgreSQLDatabase) env() []string {
	env := []string{fmt.Sprintf("PGPASSWORD=%s", p.config.Password)}
	if p.config.SSLMode != "" {
		env = append(env, fmt.Sprintf("PGSSLMODE=%s", p.config.SSLMode))
	}
	return env
}

// Backup dumps the configured database in custom format. Compression
// is disabled here; the artifact pipeline gzips every dump the same
// way afterwards.
func (p *PostgreSQLDatabase) Backup(ctx context.Context, outputPath string) error {
	args := append(p.connArgs(),
		"--format=custom",
		"--compress=0",
		fmt.Sprintf("--file=%s", outputPath),
		p.config.Database,
	)

	_, err := p.runner.Run(ctx, cmdexec.Command{
		Name:    "pg_dump",
		Args:    args,
		Env:     p.env(),
		Timeout: p.timeout,
	})
	return err
}

// Restore loads a custom-format dump into the live database.
func (p *PostgreSQLDatabase) Restore(ctx context.Context, dumpPath string) error {
	return p.RestoreInto(ctx, dumpPath, p.config.Database)
}

// RestoreInto loads a dump into the named database, dropping existing
// objects first so a rerun converges on the dump's state.
func (p *PostgreSQLDatabase) RestoreInto(ctx context.Context, dumpPath, targetDB string) error {
	args := append(p.connArgs(),
		"--dbname="+targetDB,
		"--clean",
		"--if-exists",
		"--no-owner",
		"--exit-on-error",
		dumpPath,
	)

	_, err := p.runner.Run(ctx, cmdexec.Command{
		Name:        "pg_restore",
		Args:        args,
		Env:         p.env(),
		Timeout:     p.timeout,
		Destructive: true,
	})
	return err
}

func (p *PostgreSQLDatabase) Ping(ctx context.Context) error {
	args := append(p.connArgs(),
		"--dbname="+p.config.Database,
		"--tuples-only",
		"-c", "SELECT 1",
	)

	_, err := p.runner.Run(ctx, cmdexec.Command{
		Name:    "psql",
		Args:    args,
		Env:     p.env(),
		Timeout: 30 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("postgresql ping failed: %w", err)
	}
	return nil
}

// Query runs one statement against the named database and returns the
// bare result, the psql -tA view.
func (p *PostgreSQLDatabase) Query(ctx context.Context, dbname, query string) (string, error) {
	args := append(p.connArgs(),
		"--dbname="+dbname,
		"--tuples-only",
		"--no-align",
		"-c", query,
	)

	res, err := p.runner.Run(ctx, cmdexec.Command{
		Name:    "psql",
		Args:    args,
		Env:     p.env(),
		Timeout: p.timeout,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Output), nil
}

// CreateDatabase provisions a scratch database for restore rehearsals.
func (p *PostgreSQLDatabase) CreateDatabase(ctx context.Context, name string) error {
	args := append(p.connArgs(), name)

	_, err := p.runner.Run(ctx, cmdexec.Command{
		Name:        "createdb",
		Args:        args,
		Env:         p.env(),
		Timeout:     p.timeout,
		Destructive: true,
	})
	return err
}

// DropDatabase removes a scratch database. The live database is off
// limits no matter what the caller passes.
func (p *PostgreSQLDatabase) DropDatabase(ctx context.Context, name string) error {
	if name == p.config.Database {
		return fmt.Errorf("refusing to drop the live database %q", name)
	}

	args := append(p.connArgs(), "--if-exists", name)

	_, err := p.runner.Run(ctx, cmdexec.Command{
		Name:        "dropdb",
		Args:        args,
		Env:         p.env(),
		Timeout:     p.timeout,
		Destructive: true,
	})
	return err
}

// ListDump returns the dump's table of contents via pg_restore --list.
// A dump that cannot produce a TOC is not restorable.
func (p *PostgreSQLDatabase) ListDump(ctx context.Context, dumpPath string) (string, error) {
	res, err := p.runner.Run(ctx, cmdexec.Command{
		Name:    "pg_restore",
		Args:    []string{"--list", dumpPath},
		Timeout: p.timeout,
	})
	if err != nil {
		return "", err
	}
	return res.Output, nil
}

func (p *PostgreSQLDatabase) GetName() string {
	return p.config.Database
}

func (p *PostgreSQLDatabase) GetType() string {
	return "postgresql"
}
