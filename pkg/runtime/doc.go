/*
Package runtime is the worker's client for the per-machine sandbox runtime
daemon, reached over a unix domain socket with plain HTTP: checkpoint,
pause/unpause, stop/start (optionally from a checkpoint id), and
force-remove. Every call carries a 5s request timeout and a 1s connect
timeout; callers add state-machine-level retry where the lifecycle allows
it (see pkg/worker).
*/
package runtime
