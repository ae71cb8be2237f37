// Package api exposes the client-facing HTTP interface of the proxy: forward
// proxy requests plus a small set of admin routes.
package api
