package migrations

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strings"

	workwx "github.com/goliatone/go-workwx"
)

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"

	// DefaultSourceLabel tags the credential schema when a host application
	// registers migrations from several modules.
	DefaultSourceLabel = "go-workwx"

	migrationsDir = "data/sql/migrations"
)

// Manifest lists the schema steps every dialect must ship, in apply order.
var Manifest = []string{
	"00001_workwx_credentials",
	"00002_workwx_rate_limit_state",
}

// FilesystemSpec is one dialect's migration directory.
type FilesystemSpec struct {
	Dialect string
	Path    string
	FS      fs.FS
}

type Registration struct {
	SourceLabel string
	Dialects    []string
	Filesystems []FilesystemSpec

	source fs.FS
}

type RegisterFunc func(ctx context.Context, dialect string, sourceLabel string, fsys fs.FS) error

type Option func(*Registration)

func WithSourceLabel(label string) Option {
	return func(r *Registration) {
		if label = strings.TrimSpace(label); label != "" {
			r.SourceLabel = label
		}
	}
}

// WithDialects restricts registration to the given dialects. Driver names
// such as sqlite3 or pgx are accepted.
func WithDialects(dialects ...string) Option {
	return func(r *Registration) {
		selected := make([]string, 0, len(dialects))
		for _, name := range dialects {
			dialect, err := DialectForDriver(name)
			if err != nil || slices.Contains(selected, dialect) {
				continue
			}
			selected = append(selected, dialect)
		}
		if len(selected) > 0 {
			r.Dialects = selected
		}
	}
}

// WithSource replaces the embedded migration tree.
func WithSource(source fs.FS) Option {
	return func(r *Registration) {
		if source != nil {
			r.source = source
		}
	}
}

// DialectForDriver maps a database/sql driver name to its migration dialect.
func DialectForDriver(driver string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	case "postgres", "postgresql", "pgx", "pq":
		return DialectPostgres, nil
	default:
		return "", fmt.Errorf("migrations: unsupported driver %q", driver)
	}
}

// Filesystems resolves the postgres and sqlite migration directories and
// checks that each carries an up and down file for every Manifest step.
func Filesystems(sources ...fs.FS) ([]FilesystemSpec, error) {
	root := workwx.GetMigrationsFS()
	if len(sources) > 0 && sources[0] != nil {
		root = sources[0]
	}

	postgresFS, err := fs.Sub(root, migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("migrations: resolve %s: %w", migrationsDir, err)
	}
	sqlitePath := path.Join(migrationsDir, "sqlite")
	sqliteFS, err := fs.Sub(root, sqlitePath)
	if err != nil {
		return nil, fmt.Errorf("migrations: resolve %s: %w", sqlitePath, err)
	}

	specs := []FilesystemSpec{
		{Dialect: DialectPostgres, Path: migrationsDir, FS: postgresFS},
		{Dialect: DialectSQLite, Path: sqlitePath, FS: sqliteFS},
	}
	for _, spec := range specs {
		if err := checkManifest(spec); err != nil {
			return nil, err
		}
	}
	return specs, nil
}

// Register hands each selected dialect filesystem to registerFn, typically
// persistence.Client.RegisterSQLMigrations behind a dialect check.
func Register(ctx context.Context, registerFn RegisterFunc, opts ...Option) (Registration, error) {
	reg := Registration{
		SourceLabel: DefaultSourceLabel,
		Dialects:    []string{DialectPostgres, DialectSQLite},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&reg)
		}
	}
	if registerFn == nil {
		return reg, fmt.Errorf("migrations: register function is required")
	}

	filesystems, err := Filesystems(reg.source)
	if err != nil {
		return reg, err
	}
	reg.Filesystems = filesystems

	for _, spec := range filesystems {
		if !slices.Contains(reg.Dialects, spec.Dialect) {
			continue
		}
		if err := registerFn(ctx, spec.Dialect, reg.SourceLabel, spec.FS); err != nil {
			return reg, fmt.Errorf("migrations: register %s (%s): %w", spec.Dialect, spec.Path, err)
		}
	}
	return reg, nil
}

func checkManifest(spec FilesystemSpec) error {
	for _, step := range Manifest {
		for _, direction := range []string{"up", "down"} {
			name := step + "." + direction + ".sql"
			if _, err := fs.Stat(spec.FS, name); err != nil {
				return fmt.Errorf("migrations: %s is missing %s: %w", spec.Dialect, path.Join(spec.Path, name), err)
			}
		}
	}
	return nil
}
