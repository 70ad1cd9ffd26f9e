// Package api exposes external interfaces for managing spending permissions,
// submitting intents, and retrieving execution history. It hosts the REST
// server and will grow OpenAPI documentation for third-party integrators.
package api
