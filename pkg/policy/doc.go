// Package policy admits or denies intent requests with Open Policy Agent.
//
// Every policy is a Rego module whose deny set yields violations, either as
// strings or as objects with message, severity and resource keys. Violations
// of severity error or critical deny the request before any backend call;
// the rest surface as run warnings.
//
// Built-in policies:
//
//   - datastore-naming: Provision and Clone datastore names fit a VMFS label
//   - vmfs-capacity: Provision and Expand sizes stay within the VMFS maximum
//   - forced-retire: a forced Retire is reported as a warning
//
// Limits are exposed to every policy as data.dsctl.limits. Extra policies are
// loaded from .rego files (severity warning unless the deny entry says
// otherwise) or from .json policy documents:
//
//	{"name": "no-prod-clones", "severity": "error", "rego": "package site.clones ..."}
package policy
