// Package fnwlist maintains whitelists of known-good callback functions.
//
// Subsystems that store function values and invoke them later (comm points,
// timers, the hash table, the module pipeline, tubes) register every
// legitimate implementation for their callback role here, once, at package
// init time. Immediately before a stored callback is invoked, the call site
// verifies that the exact value it is about to call is still one of the
// registered implementations. Any other value is treated as evidence of
// memory corruption (for example a heap overflow that overwrote the stored
// function) and terminates the process instead of calling through it.
//
// The registry is sealed during application startup, before any traffic is
// served; after sealing it is read-only and checks are safe from any
// goroutine without locking.
package fnwlist
