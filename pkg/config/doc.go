// Package config loads quota files and the strata application config.
//
// # Quota files
//
// A quota file declares one quota table and the derived rules that follow
// its label field. YAML and CUE files are accepted:
//
//	name: triage-2024q3
//	collection: tickets
//	label_field: priority
//	partition_fields: [origin, category]
//	kind: fractions
//	allocation: closed
//	partitions:
//	  - key: {origin: Email, category: Billing}
//	    targets:
//	      - {value: P1-Critical, fraction: "10%"}
//	      - {value: P2-High, fraction: 0.3}
//	      - {value: P3-Medium, fraction: 0.6}
//	  - key: {origin: null, category: Billing}
//	    targets:
//	      - {value: P4-Low, fraction: "100%"}
//	builtin_rules: true
//	rules:
//	  - name: escalate
//	    type: starlark
//	    source: priority
//	    target: escalation
//	    script: |
//	      def derive(v):
//	          return v in ("P1-Critical", "P2-High")
//
// Loading runs three checks in order: the embedded #QuotaFile CUE schema,
// the struct validate tags, then engine table validation. A null or
// "__unspecified__" key value selects records where the field is unset.
//
// # Starlark rules
//
// Starlark rules define derive(value). Scripts have no predeclared
// builtins beyond the language's own, print is discarded, and every call
// is bounded by a step limit and a timeout. Rules are safe for concurrent
// use.
//
// # Application config
//
// LoadAppConfig reads strata.yaml. STRATA_STORE, STRATA_LOCK and LOG_LEVEL
// override the file.
package config
