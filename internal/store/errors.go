package store

import "errors"

// Sentinel errors.
var (
	// ErrInsufficientBalance is returned by Debit and Admit when the user's
	// balance cannot cover the requested amount. Nothing is persisted.
	ErrInsufficientBalance = errors.New("store: insufficient token balance")

	// ErrNotFound is returned when a user or job does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrUserExists is returned by CreateUser for a duplicate id.
	ErrUserExists = errors.New("store: user already exists")
)
