// Package orgs is the directory of users, organizations, memberships and
// permission overrides that authorization decisions read from.
//
// It owns two writes: just-in-time provisioning of a user on first
// exchange (optionally with a personal organization) and atomic ownership
// transfer. PostgresDirectory is the production implementation;
// MemoryDirectory backs tests and local runs.
package orgs
