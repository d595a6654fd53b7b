package policy

// BuiltinPolicies returns the guard policies every engine starts with.
func BuiltinPolicies() []Policy {
	return []Policy{
		globalResetPolicy(),
		oversubscribedPartitionPolicy(),
		emptyPartitionPolicy(),
	}
}

// globalResetPolicy blocks unconfirmed fresh runs that clear the label on the
// whole collection.
func globalResetPolicy() Policy {
	return Policy{
		Name:        "global_reset_requires_confirmation",
		Description: "A global reset clears labels outside the table's partitions and must be confirmed",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"reset", "safety"},
		Rego: `package strata.guard.global_reset

import rego.v1

deny contains violation if {
	input.options.mode == "fresh"
	input.options.reset_scope == "global"
	not input.options.dry_run
	not input.options.confirmed
	violation := {
		"message": sprintf("global reset of %s.%s requires confirmation", [input.table.collection, input.table.label_field]),
		"severity": "error",
	}
}
`,
	}
}

// oversubscribedPartitionPolicy warns when targets exceed a partition's
// population. The run still fills what it can and reports the shortfall.
func oversubscribedPartitionPolicy() Policy {
	return Policy{
		Name:        "oversubscribed_partition",
		Description: "Warns when a partition's targets exceed its population",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"quota"},
		Rego: `package strata.guard.oversubscribed

import rego.v1

deny contains violation if {
	some part in input.partitions
	part.oversubscribed > 0
	violation := {
		"message": sprintf("targets exceed the population of %d by %d", [part.population, part.oversubscribed]),
		"severity": "warning",
		"partition": part.key,
	}
}
`,
	}
}

// emptyPartitionPolicy warns about partitions no record falls into.
func emptyPartitionPolicy() Policy {
	return Policy{
		Name:        "empty_partition",
		Description: "Warns when a partition has no records",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"quota"},
		Rego: `package strata.guard.empty

import rego.v1

deny contains violation if {
	some part in input.partitions
	part.population == 0
	count(part.cells) > 0
	violation := {
		"message": "partition has no records",
		"severity": "warning",
		"partition": part.key,
	}
}
`,
	}
}
