// Package security holds the cryptographic building blocks of the license
// client: the AES-GCM cache envelope and its key derivation, the
// protected-file checksum, host identity, request signing and the pinned
// TLS transport used to reach the portal.
package security
