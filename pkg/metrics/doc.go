/*
Package metrics defines the Prometheus metrics the controller exposes
(the worker exposes none): per-environment residency gauges (warm/dedup/base counts, arrival
rate, start-time EMAs), per-machine used-memory gauges, scheduling latency
and outcome counters, and decision-policy counters. Metrics are registered
at package init and served over promhttp.Handler(); Collector polls a
*controller.Controller on a ticker and pushes its live counters into the
gauges, the way the teacher's own collector polled its manager.
*/
package metrics
