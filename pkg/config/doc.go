// Package config loads the dsctl configuration document.
//
// The document is YAML (JSON parses too) decoded over Default, so every key
// is optional except the array and vCenter endpoints and usernames and at
// least one cluster. Unknown keys are errors.
//
// Validation runs in three layers:
//
//  1. go-playground/validator struct tags
//  2. the embedded CUE schema in SchemaRegistry
//  3. checks that need parsing, such as initiator group regular expressions
//     and human-readable sizes ("500 GiB")
//
// All problems are collected into one *Error.
//
// DSCTL_ARRAY_ENDPOINT and DSCTL_VCENTER_ENDPOINT override the endpoints.
// Passwords never appear in the document; password_env names the environment
// variable that holds them.
//
//	cfg, err := config.Load("/etc/dsctl/config.yaml")
//	if err != nil {
//	    return err
//	}
//	exec := engine.NewExecutor(array, vc, engine.WithSettings(cfg.ToEngineSettings()))
package config
