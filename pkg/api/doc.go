/*
Package api implements the controller's HTTP admin surface: a liveness
endpoint, a readiness endpoint backed by the live controller state, and the
Prometheus /metrics handler. It is deliberately small — the control-plane
protocol itself (scheduling decisions, page registration, status reports)
runs over the gRPC services in pkg/rpc between the controller and its
workers, not through this package.
*/
package api
