package engine

import (
	"context"
	"fmt"
	"regexp"
	"sort"
)

// ResolveInitiatorGroup returns the single group whose name matches pattern.
// Zero matches and more than one match are both configuration errors.
func ResolveInitiatorGroup(groups []InitiatorGroup, pattern string) (*InitiatorGroup, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, NewConfigurationError("invalid initiator group pattern", err).
			WithDetail("pattern", pattern)
	}

	var matches []InitiatorGroup
	for _, g := range groups {
		if re.MatchString(g.Name) {
			matches = append(matches, g)
		}
	}

	switch len(matches) {
	case 0:
		return nil, NewConfigurationError(fmt.Sprintf("no initiator group matches %q", pattern), nil).
			WithCode(ErrCodeGroupNotFound).
			WithDetail("pattern", pattern)
	case 1:
		return &matches[0], nil
	default:
		names := make([]string, 0, len(matches))
		for _, m := range matches {
			names = append(names, m.Name)
		}
		sort.Strings(names)
		return nil, NewConfigurationError(fmt.Sprintf("%d initiator groups match %q", len(matches), pattern), nil).
			WithCode(ErrCodeAmbiguousGroup).
			WithDetail("pattern", pattern).
			WithDetail("candidates", names)
	}
}

// resolveClusterGroup lists the array's groups and resolves the cluster's one.
func resolveClusterGroup(ctx context.Context, storage StorageBackend, settings Settings, cluster string) (*InitiatorGroup, error) {
	cs, err := settings.Cluster(cluster)
	if err != nil {
		return nil, err
	}
	groups, err := storage.ListInitiatorGroups(ctx)
	if err != nil {
		return nil, asConnectivity("failed to list initiator groups", err)
	}
	g, err := ResolveInitiatorGroup(groups, cs.InitiatorGroupPattern)
	if err != nil {
		return nil, AsEngineError(err).WithResource(cluster)
	}
	return g, nil
}

// asConnectivity keeps classified backend errors and marks the rest as connectivity failures.
func asConnectivity(message string, err error) error {
	if AsEngineError(err) != nil {
		return fmt.Errorf("%s: %w", message, err)
	}
	return NewConnectivityError(message, err)
}
