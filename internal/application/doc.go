// Package application wires the service together. New runs the fail-fast
// startup sequence (secret store, database pool, migrations, cache) and
// Assemble builds the HTTP server and the optional certificate watcher on
// top of the connected resources, keeping the main package focused on CLI
// parsing and signal handling.
package application
