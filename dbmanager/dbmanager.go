// Package dbmanager owns the named database instances and verifies
// credentials against a users file. Grants are per-database roles; the "*"
// database name is a wildcard grant.
package dbmanager

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/golang-jwt/jwt/v5"
	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"

	"github.com/quartzdb/quartz-server/auth"
	"github.com/quartzdb/quartz-server/engine"
	"github.com/quartzdb/quartz-server/engine/memory"
)

// ErrDatabaseNotFound indicates the named database does not exist and the
// caller's role does not permit creating it.
var ErrDatabaseNotFound = errors.New("database not found")

// Config for the Manager. Defaults can be loaded via envdecode.
type Config struct {
	// UsersFile is the path to the YAML credentials file. ENV: QUARTZ_USERS_FILE
	UsersFile string `env:"QUARTZ_USERS_FILE"`
	// TokenKey enables JWT credentials: when set, a password that parses as
	// a signed token is verified against this HS256 key instead of the
	// users file. ENV: QUARTZ_TOKEN_KEY
	TokenKey string `env:"QUARTZ_TOKEN_KEY"`
	// AutoCreate lets owner-role logins create databases on open.
	// ENV: QUARTZ_AUTOCREATE_DBS
	AutoCreate bool `env:"QUARTZ_AUTOCREATE_DBS,default=true"`
}

// EngineFactory builds the engine behind a newly created database.
type EngineFactory func(name string) engine.Engine

// Manager is the multi-database registry. Safe for concurrent use.
type Manager struct {
	mu    sync.RWMutex
	users map[string]*user
	dbs   map[string]engine.Engine

	usersPath  string
	tokenKey   []byte
	autoCreate bool
	newEngine  EngineFactory
	log        *slog.Logger
}

type user struct {
	login    string
	password string
	roles    map[string]auth.Role
}

// Option configures a Manager.
type Option func(*Manager)

// WithEngineFactory overrides the engine constructor for new databases. The
// default is the in-memory engine.
func WithEngineFactory(f EngineFactory) Option {
	return func(m *Manager) {
		if f != nil {
			m.newEngine = f
		}
	}
}

// WithLogger sets the manager's logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

func New(cfg Config, opts ...Option) (*Manager, error) {
	m := &Manager{
		users:      make(map[string]*user),
		dbs:        make(map[string]engine.Engine),
		usersPath:  cfg.UsersFile,
		tokenKey:   []byte(cfg.TokenKey),
		autoCreate: cfg.AutoCreate,
		newEngine:  func(string) engine.Engine { return memory.New() },
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.usersPath != "" {
		if err := m.loadUsers(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// NewFromEnv builds a Manager using envdecode to populate Config.
func NewFromEnv(opts ...Option) (*Manager, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg, opts...)
}

// usersFile is the on-disk shape of the credentials file.
type usersFile struct {
	Users []struct {
		Login    string            `yaml:"login"`
		Password string            `yaml:"password"`
		Roles    map[string]string `yaml:"roles"`
	} `yaml:"users"`
}

func (m *Manager) loadUsers() error {
	data, err := os.ReadFile(m.usersPath)
	if err != nil {
		return fmt.Errorf("read users file: %w", err)
	}
	var uf usersFile
	if err := yaml.Unmarshal(data, &uf); err != nil {
		return fmt.Errorf("parse users file: %w", err)
	}
	users := make(map[string]*user, len(uf.Users))
	for _, u := range uf.Users {
		if u.Login == "" {
			return fmt.Errorf("users file: entry with empty login")
		}
		roles := make(map[string]auth.Role, len(u.Roles))
		for db, rs := range u.Roles {
			r, err := auth.ParseRole(rs)
			if err != nil {
				return fmt.Errorf("users file: user %q db %q: %w", u.Login, db, err)
			}
			roles[db] = r
		}
		users[u.Login] = &user{login: u.Login, password: u.Password, roles: roles}
	}

	m.mu.Lock()
	m.users = users
	m.mu.Unlock()
	return nil
}

// AddUser registers a credential programmatically; used by embedders and
// tests that have no users file.
func (m *Manager) AddUser(login, password string, roles map[string]auth.Role) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rc := make(map[string]auth.Role, len(roles))
	for db, r := range roles {
		rc[db] = r
	}
	m.users[login] = &user{login: login, password: password, roles: rc}
}

// tokenClaims are the custom claims carried by JWT credentials.
type tokenClaims struct {
	jwt.RegisteredClaims
	Roles map[string]string `json:"roles"`
}

// Authenticate verifies credentials and returns the caller's role on dbName.
// An empty dbName resolves against the wildcard grant only.
func (m *Manager) Authenticate(ctx context.Context, login, password, dbName string) (auth.Role, error) {
	if len(m.tokenKey) > 0 && strings.Count(password, ".") == 2 {
		return m.authenticateToken(login, password, dbName)
	}

	m.mu.RLock()
	u, ok := m.users[login]
	m.mu.RUnlock()
	if !ok || subtle.ConstantTimeCompare([]byte(u.password), []byte(password)) != 1 {
		return auth.RoleNone, auth.ErrUnauthorized
	}
	return roleFor(u.roles, dbName)
}

func (m *Manager) authenticateToken(login, token, dbName string) (auth.Role, error) {
	var claims tokenClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.tokenKey, nil
	})
	if err != nil {
		return auth.RoleNone, fmt.Errorf("verify token: %w", auth.ErrUnauthorized)
	}
	if claims.Subject != login {
		return auth.RoleNone, fmt.Errorf("token subject mismatch: %w", auth.ErrUnauthorized)
	}
	roles := make(map[string]auth.Role, len(claims.Roles))
	for db, rs := range claims.Roles {
		r, err := auth.ParseRole(rs)
		if err != nil {
			return auth.RoleNone, fmt.Errorf("token roles: %w", auth.ErrUnauthorized)
		}
		roles[db] = r
	}
	return roleFor(roles, dbName)
}

func roleFor(roles map[string]auth.Role, dbName string) (auth.Role, error) {
	if dbName != "" {
		if r, ok := roles[dbName]; ok {
			return r, nil
		}
	}
	if r, ok := roles["*"]; ok {
		return r, nil
	}
	return auth.RoleNone, fmt.Errorf("no grant on %q: %w", dbName, auth.ErrUnauthorized)
}

// GetDatabase returns the engine behind name. A missing database is created
// when AutoCreate is on and the caller holds the owner role; otherwise the
// lookup fails with ErrDatabaseNotFound.
func (m *Manager) GetDatabase(ctx context.Context, name string, role auth.Role) (engine.Engine, error) {
	if name == "" {
		return nil, fmt.Errorf("empty database name: %w", ErrDatabaseNotFound)
	}
	m.mu.RLock()
	db, ok := m.dbs[name]
	m.mu.RUnlock()
	if ok {
		return db, nil
	}
	if !m.autoCreate || role < auth.RoleOwner {
		return nil, fmt.Errorf("%q: %w", name, ErrDatabaseNotFound)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if db, ok := m.dbs[name]; ok {
		return db, nil
	}
	db = m.newEngine(name)
	m.dbs[name] = db
	m.log.Info("dbmanager.create", slog.String("db", name))
	return db, nil
}

// Drop removes the named database and its data.
func (m *Manager) Drop(ctx context.Context, name string) error {
	m.mu.Lock()
	_, ok := m.dbs[name]
	delete(m.dbs, name)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%q: %w", name, ErrDatabaseNotFound)
	}
	m.log.Info("dbmanager.drop", slog.String("db", name))
	return nil
}

// EnumDatabases lists existing database names, sorted.
func (m *Manager) EnumDatabases(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.dbs))
	for name := range m.dbs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}
