// Package mongo provides a MongoDB-backed implementation of the runtime run
// store. Build the low-level client via features/run/mongo/clients/mongo and
// pass it to NewStore so the HTTP server and CLI can persist run records
// across restarts while the engine keeps writing through the run.Store seam.
package mongo
