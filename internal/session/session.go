// Package session tracks which username is bound to which live connection.
// The in-memory Registry is the single source of truth for presence; the
// optional Redis Mirror only publishes that state for outside observers.
package session
