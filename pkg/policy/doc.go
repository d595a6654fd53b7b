// Package policy guards quota runs with Open Policy Agent (OPA) policies.
//
// An Engine holds compiled Rego modules and implements engine.Guard: the
// runner hands it every normalized plan before any record is touched.
// Each module defines a deny set under its own package:
//
//	package strata.guard.max_population
//
//	import rego.v1
//
//	deny contains violation if {
//		some part in input.partitions
//		part.population > 100000
//		violation := {
//			"message": "partition too large for a single run",
//			"severity": "error",
//			"partition": part.key,
//		}
//	}
//
// Violations with severity "error" deny the plan; anything else is logged
// as a warning. The input document is described by Input.
//
// # Built-in Policies
//
//   - global_reset_requires_confirmation: a fresh run with a global reset
//     scope must set Options.Confirmed
//   - oversubscribed_partition: warns when targets exceed the population
//   - empty_partition: warns when a partition has no records
//
// Additional policies are loaded from .rego or .json files with
// LoadPolicies. A policy file with the name of a built-in replaces it.
package policy
