// Package portal is the licensing portal's domain layer: the relational
// store, online check-in, security incident intake with automatic
// suspension, and the admin license management operations.
package portal
