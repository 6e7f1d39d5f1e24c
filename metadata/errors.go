package metadata

import (
	"fmt"
)

// Define the Uptane error surface. Every kind carries the repository
// and role it was raised for; callers match kinds with errors.Is
// against the zero value, e.g. errors.Is(err, ErrSecurity{}).

// ErrUptane - the base kind every metadata verification error belongs to
type ErrUptane struct {
	Repo RepositoryType
	Role Role
	Msg  string
}

func (e ErrUptane) Error() string {
	return fmt.Sprintf("uptane error: %s %s: %s", e.Repo, e.Role, e.Msg)
}

// ErrMetadataFetch - a transport failure, non-2xx status, size cap
// overrun, or missing file while pulling raw metadata
type ErrMetadataFetch struct {
	Repo RepositoryType
	Role Role
	Msg  string
}

func (e ErrMetadataFetch) Error() string {
	return fmt.Sprintf("metadata fetch failure: %s %s: %s", e.Repo, e.Role, e.Msg)
}

// ErrMetadataFetch is a subset of ErrUptane
func (e ErrMetadataFetch) Is(target error) bool {
	return target == ErrUptane{} || target == ErrMetadataFetch{}
}

// ErrInvalidMetadata - malformed JSON, wrong _type, or a missing or
// inconsistent field
type ErrInvalidMetadata struct {
	Repo RepositoryType
	Role Role
	Msg  string
}

func (e ErrInvalidMetadata) Error() string {
	return fmt.Sprintf("invalid metadata: %s %s: %s", e.Repo, e.Role, e.Msg)
}

// ErrInvalidMetadata is a subset of ErrUptane
func (e ErrInvalidMetadata) Is(target error) bool {
	return target == ErrUptane{} || target == ErrInvalidMetadata{}
}

// ErrUnmetThreshold - fewer distinct valid signatures than the role's
// threshold requires
type ErrUnmetThreshold struct {
	Repo RepositoryType
	Role Role
	Msg  string
}

func (e ErrUnmetThreshold) Error() string {
	return fmt.Sprintf("unmet threshold: %s %s: %s", e.Repo, e.Role, e.Msg)
}

// ErrUnmetThreshold is a subset of ErrUptane
func (e ErrUnmetThreshold) Is(target error) bool {
	return target == ErrUptane{} || target == ErrUnmetThreshold{}
}

// ErrExpiredMetadata - the document's expires instant is not in the future
type ErrExpiredMetadata struct {
	Repo RepositoryType
	Role Role
}

func (e ErrExpiredMetadata) Error() string {
	return fmt.Sprintf("expired metadata: %s %s", e.Repo, e.Role)
}

// ErrExpiredMetadata is a subset of ErrUptane
func (e ErrExpiredMetadata) Is(target error) bool {
	return target == ErrUptane{} || target == ErrExpiredMetadata{}
}

// ErrVersionMismatch - a document's version disagrees with the version
// its parent role binds for it
type ErrVersionMismatch struct {
	Repo RepositoryType
	Role Role
}

func (e ErrVersionMismatch) Error() string {
	return fmt.Sprintf("version mismatch: %s %s", e.Repo, e.Role)
}

// ErrVersionMismatch is a subset of ErrUptane
func (e ErrVersionMismatch) Is(target error) bool {
	return target == ErrUptane{} || target == ErrVersionMismatch{}
}

// ErrSecurity - rollback detected, hash mismatch, or a safety bound
// exceeded. Must be surfaced to the operator.
type ErrSecurity struct {
	Repo RepositoryType
	Role Role
	Msg  string
}

func (e ErrSecurity) Error() string {
	return fmt.Sprintf("security violation: %s %s: %s", e.Repo, e.Role, e.Msg)
}

// ErrSecurity is a subset of ErrUptane
func (e ErrSecurity) Is(target error) bool {
	return target == ErrUptane{} || target == ErrSecurity{}
}

// ErrNoHash - a required hash of a supported type is absent
type ErrNoHash struct {
	Repo RepositoryType
	Role Role
}

func (e ErrNoHash) Error() string {
	return fmt.Sprintf("no supported hash: %s %s", e.Repo, e.Role)
}

// ErrNoHash is a subset of ErrUptane
func (e ErrNoHash) Is(target error) bool {
	return target == ErrUptane{} || target == ErrNoHash{}
}
