// Package errors provides standardized error definitions for the antipool
// library. All error definitions are centralized here so callers can match
// them with errors.Is regardless of which component surfaced them.
package errors
