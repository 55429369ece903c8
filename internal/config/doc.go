// Package config loads AMPOS configuration for both the license client and
// the licensing portal.
//
// # Configuration Sources
//
// Values are resolved in the following order of precedence:
//
//	1. Environment variables (highest priority)
//	2. YAML configuration file (ampos.yaml, or the path in AMPOS_CONFIG)
//	3. Default values (lowest priority)
//
// # Environment Variables
//
// All environment variables follow the pattern AMPOS_<SECTION>_<FIELD>:
//
//	AMPOS_CLIENT_PORTAL_URL=https://license.ampos.app
//	AMPOS_PORTAL_PORT=8080
//	AMPOS_LOGGING_LEVEL=debug
//
// The license key is special: an explicit value passed by the host wins,
// then AMPOS_LICENSE_KEY, then client.license_key from the file. See
// Config.ResolveLicenseKey.
package config
