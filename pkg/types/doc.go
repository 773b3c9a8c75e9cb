/*
Package types defines the core data structures shared by the controller and
worker: sandboxes (containers), machines, applications, environments and
their live statistics.

# Architecture

The types package is the foundation of the dedup scheduler's data model. It
defines:

  - Sandbox residency state and the sticky/ephemeral flags that govern it
  - Machine memory accounting
  - Per-application keep-alive/exec-time/policy configuration
  - Per-environment arrival-rate windows and EMA start-up latencies

All mutable types guard their own fields with an internal mutex; callers
never need an external lock to read or update a Container, Machine or
EnvironmentStats value.
*/
package types
