package policy

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		datastoreNamingPolicy(),
		vmfsCapacityPolicy(),
		forcedRetirePolicy(),
	}
}

// datastoreNamingPolicy keeps generated and requested datastore names within VMFS label rules.
func datastoreNamingPolicy() Policy {
	return Policy{
		Name:        "datastore-naming",
		Description: "Datastore names must fit a VMFS label (length and character set)",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package dsctl.naming

import rego.v1

creates_name if input.intent in {"Provision", "Clone"}

deny contains violation if {
	creates_name
	name := input.datastore
	limit := data.dsctl.limits.max_name_length
	count(name) > limit
	violation := {
		"message": sprintf("datastore name %q is %d characters long; at most %d are allowed", [name, count(name), limit]),
		"resource": name,
	}
}

deny contains violation if {
	creates_name
	name := input.datastore
	name != ""
	not regex.match("^[A-Za-z0-9][A-Za-z0-9._-]*$", name)
	violation := {
		"message": sprintf("datastore name %q may only contain letters, digits, dots, underscores and hyphens", [name]),
		"resource": name,
	}
}
`,
	}
}

// vmfsCapacityPolicy rejects volumes larger than a VMFS datastore can address.
func vmfsCapacityPolicy() Policy {
	return Policy{
		Name:        "vmfs-capacity",
		Description: "Requested capacity must not exceed the VMFS maximum",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package dsctl.capacity

import rego.v1

deny contains violation if {
	input.intent in {"Provision", "Expand"}
	limit := data.dsctl.limits.max_size_bytes
	input.size_bytes > limit
	violation := {
		"message": sprintf("requested %d bytes exceeds the VMFS maximum of %d bytes", [input.size_bytes, limit]),
		"resource": input.target,
	}
}
`,
	}
}

// forcedRetirePolicy flags retires that override the registered-VM check.
func forcedRetirePolicy() Policy {
	return Policy{
		Name:        "forced-retire",
		Description: "Warns when a retire proceeds despite registered virtual machines",
		Severity:    SeverityWarning,
		Enabled:     true,
		Rego: `package dsctl.retire

import rego.v1

deny contains violation if {
	input.intent == "Retire"
	input.force
	violation := {
		"message": sprintf("forced retire of %s: registered virtual machines lose their storage", [input.target]),
		"resource": input.target,
	}
}
`,
	}
}
