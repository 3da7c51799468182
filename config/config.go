// Package config reads and writes the mirror's configuration file: database
// credentials under [dbconfig] and the persisted session token under
// [tokenconfig]. The file doubles as the token store, so the sync engine
// talks to this package through a narrow provider surface and never touches
// file I/O itself.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// DefaultFilename is the config file looked up when no --config flag is given.
const DefaultFilename = "opentriviata.toml"

const tokenKey = "tokenconfig.api_token"

// Credentials identifies the Postgres server and target database.
type Credentials struct {
	Host     string
	Port     int
	User     string
	Pass     string
	Database string
}

// DSN renders a pgx-compatible connection string.
func (c Credentials) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		c.Host, c.Port, c.User, c.Pass, c.Database)
}

// AdminDSN connects to the maintenance database instead of the target one,
// for CREATE DATABASE during initdb.
func (c Credentials) AdminDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=postgres sslmode=disable",
		c.Host, c.Port, c.User, c.Pass)
}

// File is a loaded configuration file.
type File struct {
	v    *viper.Viper
	path string
}

// Load reads the config file at path.
func Load(path string) (*File, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	v.SetDefault("dbconfig.port", 5432)
	v.SetDefault("dbconfig.database", "opentriviata")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return &File{v: v, path: path}, nil
}

// Path returns the file location this configuration was loaded from.
func (f *File) Path() string { return f.path }

// Credentials returns the database credentials from [dbconfig].
func (f *File) Credentials() (Credentials, error) {
	creds := Credentials{
		Host:     strings.TrimSpace(f.v.GetString("dbconfig.host")),
		Port:     f.v.GetInt("dbconfig.port"),
		User:     strings.TrimSpace(f.v.GetString("dbconfig.user")),
		Pass:     f.v.GetString("dbconfig.pass"),
		Database: strings.TrimSpace(f.v.GetString("dbconfig.database")),
	}
	if creds.Host == "" || creds.User == "" {
		return Credentials{}, errors.New("unable to access database credentials: dbconfig.host and dbconfig.user are required")
	}
	return creds, nil
}

// Token returns the persisted session token, if any.
func (f *File) Token() (string, bool) {
	tok := strings.TrimSpace(f.v.GetString(tokenKey))
	return tok, tok != ""
}

// SaveToken persists the session token back into the config file. An empty
// string clears the persisted token.
func (f *File) SaveToken(token string) error {
	f.v.Set(tokenKey, token)
	if err := f.v.WriteConfigAs(f.path); err != nil {
		return fmt.Errorf("write config %s: %w", f.path, err)
	}
	return nil
}

// WriteStarter creates a fresh config file holding the given credentials and
// an empty token slot. It refuses to clobber an existing file.
func WriteStarter(path string, creds Credentials) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file %s already exists", path)
	}
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	v.Set("dbconfig.host", creds.Host)
	v.Set("dbconfig.port", creds.Port)
	v.Set("dbconfig.user", creds.User)
	v.Set("dbconfig.pass", creds.Pass)
	v.Set("dbconfig.database", creds.Database)
	v.Set(tokenKey, "")
	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}
