// Package auth defines access roles and the per-connection authentication
// context checked before every command that touches a database.
package auth

import (
	"errors"
	"fmt"
)

// ErrUnauthorized indicates no valid credentials were supplied or the
// connection has not logged in yet.
var ErrUnauthorized = errors.New("unauthorized")

// ErrInsufficientRole indicates the caller authenticated but holds a role
// below the one the operation requires.
var ErrInsufficientRole = errors.New("insufficient role")

// Role is an access level granted to a login on one database.
type Role uint8

const (
	RoleNone Role = iota
	RoleReader
	RoleReadWrite
	RoleOwner
)

func (r Role) String() string {
	switch r {
	case RoleNone:
		return "none"
	case RoleReader:
		return "reader"
	case RoleReadWrite:
		return "readwrite"
	case RoleOwner:
		return "owner"
	}
	return fmt.Sprintf("role(%d)", uint8(r))
}

// ParseRole maps a users-file role name to a Role.
func ParseRole(s string) (Role, error) {
	switch s {
	case "none":
		return RoleNone, nil
	case "reader":
		return RoleReader, nil
	case "readwrite":
		return RoleReadWrite, nil
	case "owner":
		return RoleOwner, nil
	}
	return RoleNone, fmt.Errorf("unknown role %q", s)
}

// Context holds the authentication decision for one connection. It is owned
// by the connection's session and mutated only by Login/CloseDatabase-class
// commands issued on that connection, so it needs no internal locking.
type Context struct {
	login         string
	role          Role
	database      string
	authenticated bool
}

// Authenticate records a successful credential check.
func (c *Context) Authenticate(login string, role Role, database string) {
	c.login = login
	c.role = role
	c.database = database
	c.authenticated = true
}

// Authenticated reports whether Login has succeeded on this connection.
func (c *Context) Authenticated() bool { return c.authenticated }

// Login returns the authenticated login name, empty before Login.
func (c *Context) Login() string { return c.login }

// Role returns the granted role, RoleNone before Login.
func (c *Context) Role() Role { return c.role }

// Database returns the database name the role applies to.
func (c *Context) Database() string { return c.database }

// Check fails with ErrUnauthorized before Login and ErrInsufficientRole when
// the granted role is below required.
func (c *Context) Check(required Role) error {
	if !c.authenticated {
		return ErrUnauthorized
	}
	if c.role < required {
		return fmt.Errorf("%s required, have %s: %w", required, c.role, ErrInsufficientRole)
	}
	return nil
}

// Reset clears the context back to the unauthenticated state.
func (c *Context) Reset() { *c = Context{} }
