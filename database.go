package main

import (
	"database/sql"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"

	"github.com/iqlusioninc/iqkms/pkg/log"
)

// DatabaseConfig selects the audit log database.
//
// Postgresql needs every connection field. Sqlite only needs the driver; an
// empty Name opens an in-memory database.
type DatabaseConfig struct {
	Name     string `env:"IQKMS_DATABASE_NAME" env-default:""`
	Schema   string `env:"IQKMS_DATABASE_SCHEMA" env-default:""`
	Driver   string `env:"IQKMS_DATABASE_DRIVER" env-default:"sqlite" validate:"oneof=sqlite postgres"`
	Username string `env:"IQKMS_DATABASE_USERNAME" env-default:"postgres"`
	Password string `env:"IQKMS_DATABASE_PASSWORD" env-default:""`
	Host     string `env:"IQKMS_DATABASE_HOST" env-default:"localhost"`
	Port     string `env:"IQKMS_DATABASE_PORT" env-default:"5432"`
	Retries  int    `env:"IQKMS_DATABASE_RETRIES" env-default:"5"`
}

// ParseConnectionString accepts "file:<path>" for sqlite and
// postgres:// or postgresql:// URLs. search_path and retries are read from
// the query string.
func ParseConnectionString(connStr string) (DatabaseConfig, error) {
	if strings.HasPrefix(connStr, "file:") {
		parts := strings.SplitN(connStr[5:], "?", 2)
		return DatabaseConfig{
			Name:    parts[0],
			Driver:  "sqlite",
			Retries: 1,
		}, nil
	}

	parsedURL, err := url.Parse(connStr)
	if err != nil {
		return DatabaseConfig{}, fmt.Errorf("invalid connection string: %w", err)
	}

	if parsedURL.Scheme != "postgres" && parsedURL.Scheme != "postgresql" {
		return DatabaseConfig{}, fmt.Errorf("unsupported scheme: %s", parsedURL.Scheme)
	}

	username := ""
	password := ""
	if user := parsedURL.User; user != nil {
		username = user.Username()
		password, _ = user.Password()
	}

	port := parsedURL.Port()
	if port == "" {
		port = "5432"
	}

	retries := 5
	query := parsedURL.Query()
	if r := query.Get("retries"); r != "" {
		retryVal, err := strconv.Atoi(r)
		if err != nil {
			return DatabaseConfig{}, fmt.Errorf("invalid retries: %w", err)
		}
		retries = retryVal
	}

	return DatabaseConfig{
		Name:     strings.TrimPrefix(parsedURL.Path, "/"),
		Schema:   query.Get("search_path"),
		Driver:   "postgres",
		Username: username,
		Password: password,
		Host:     parsedURL.Hostname(),
		Port:     port,
		Retries:  retries,
	}, nil
}

// ConnectToDB opens the database and brings its schema up to date.
func ConnectToDB(cnf DatabaseConfig, lg log.Logger) (*gorm.DB, error) {
	lg = lg.WithName("database")

	switch cnf.Driver {
	case "postgres":
		return connectToPostgresql(cnf, lg)
	case "sqlite", "":
		return connectToSqlite(cnf, lg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cnf.Driver)
	}
}

// sqlHandle returns the connection pool behind db so it can be closed.
func sqlHandle(db *gorm.DB) (*sql.DB, error) {
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database handle: %w", err)
	}
	return sqlDB, nil
}

func gormConfig(cnf DatabaseConfig) *gorm.Config {
	conf := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	}
	if cnf.Schema != "" {
		conf.NamingStrategy = schema.NamingStrategy{
			TablePrefix: cnf.Schema + ".",
		}
	}
	return conf
}

func connectToPostgresql(cnf DatabaseConfig, lg log.Logger) (*gorm.DB, error) {
	lg.Info("connecting to postgresql", "host", cnf.Host, "port", cnf.Port, "name", cnf.Name)

	if err := ensurePostgresqlSchema(cnf, lg); err != nil {
		return nil, fmt.Errorf("failed to ensure postgresql schema: %w", err)
	}

	if err := migratePostgres(cnf, lg); err != nil {
		return nil, fmt.Errorf("failed to apply postgresql migrations: %w", err)
	}

	dsn, err := postgresqlDbUrl(cnf)
	if err != nil {
		return nil, err
	}

	return gorm.Open(postgres.Open(dsn), gormConfig(cnf))
}

func connectToSqlite(cnf DatabaseConfig, lg log.Logger) (*gorm.DB, error) {
	var dsn string
	if cnf.Name != "" {
		lg.Info("connecting to sqlite", "path", cnf.Name)
		dsn = fmt.Sprintf("file:%s?cache=shared", cnf.Name)
	} else {
		lg.Info("connecting to in-memory sqlite")
		dsn = "file::memory:?cache=shared"
	}

	db, err := gorm.Open(sqlite.Open(dsn), gormConfig(cnf))
	if err != nil {
		return nil, err
	}

	if err := migrateSqlite(db); err != nil {
		return nil, fmt.Errorf("failed to auto-migrate sqlite: %w", err)
	}
	lg.Debug("auto-migrated sqlite")

	return db, nil
}

func postgresqlDbUrl(cnf DatabaseConfig) (string, error) {
	if cnf.Driver != "postgres" {
		return "", fmt.Errorf("unsupported driver: %s", cnf.Driver)
	}

	dsn := fmt.Sprintf(
		"user=%s password=%s host=%s port=%s dbname=%s sslmode=disable",
		cnf.Username, cnf.Password, cnf.Host, cnf.Port, cnf.Name,
	)
	if cnf.Schema != "" {
		dsn = fmt.Sprintf("%s search_path=%s", dsn, cnf.Schema)
	}

	return dsn, nil
}

func ensurePostgresqlSchema(cnf DatabaseConfig, lg log.Logger) error {
	if cnf.Schema == "" {
		lg.Debug("no schema specified, skipping schema creation")
		return nil
	}

	dbConf := cnf
	dbConf.Schema = ""
	dsn, err := postgresqlDbUrl(dbConf)
	if err != nil {
		return err
	}

	db, err := connectWithRetries(dbConf, dsn, lg)
	if err != nil {
		return err
	}
	defer db.Close()

	var exists bool
	err = db.Get(&exists, "SELECT EXISTS (SELECT 1 FROM information_schema.schemata WHERE schema_name = $1)", cnf.Schema)
	if err != nil {
		return fmt.Errorf("error while checking schema existence: %w", err)
	}
	if exists {
		lg.Debug("schema already exists", "schema", cnf.Schema)
		return nil
	}

	if _, err = db.Exec("CREATE SCHEMA IF NOT EXISTS " + pq.QuoteIdentifier(cnf.Schema)); err != nil {
		return fmt.Errorf("error while creating schema: %w", err)
	}

	lg.Info("schema created", "schema", cnf.Schema)
	return nil
}

func connectWithRetries(cnf DatabaseConfig, dsn string, lg log.Logger) (*sqlx.DB, error) {
	attempts := max(cnf.Retries, 1)

	var lastErr error
	for i := range attempts {
		db, err := sqlx.Connect(cnf.Driver, dsn)
		if err == nil {
			return db, nil
		}
		lastErr = err
		lg.Warn("database connection failed", "attempt", i+1, "of", attempts, "error", err)
	}
	return nil, lastErr
}

func migratePostgres(cnf DatabaseConfig, lg log.Logger) error {
	dsn, err := postgresqlDbUrl(cnf)
	if err != nil {
		return err
	}

	db, err := goose.OpenDBWithDriver(cnf.Driver, dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	if cnf.Schema != "" {
		if _, err := db.Exec("SET search_path TO " + pq.QuoteIdentifier(cnf.Schema)); err != nil {
			return fmt.Errorf("failed to set search path: %w", err)
		}
	}

	lg.Info("applying database migrations")
	goose.SetBaseFS(embedMigrations)
	if err := goose.SetDialect(cnf.Driver); err != nil {
		return err
	}
	if err := goose.Up(db, "config/migrations/"+cnf.Driver); err != nil {
		return err
	}

	lg.Info("applied migrations")
	return nil
}

func migrateSqlite(db *gorm.DB) error {
	return db.AutoMigrate(&AuditLogEntry{})
}
