// Package fetchproxy defines the core types, ports, and error taxonomy shared by
// the proxy dispatcher, the worker registry, the fetch workers, and the shared cache.
package fetchproxy
