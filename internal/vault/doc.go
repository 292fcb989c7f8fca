// Package vault authenticates to HashiCorp Vault and bootstraps database
// credentials from a KV v2 secret, degrading to locally configured
// credentials when the secret cannot be read.
package vault
