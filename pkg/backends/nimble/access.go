package nimble

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/openfroyo/dsctl/pkg/engine"
)

// ListInitiatorGroups implements engine.StorageBackend.
func (c *Client) ListInitiatorGroups(ctx context.Context) ([]engine.InitiatorGroup, error) {
	groups, err := list[initiatorGroup](ctx, c, "/initiator_groups", nil)
	if err != nil {
		return nil, err
	}
	out := make([]engine.InitiatorGroup, 0, len(groups))
	for _, g := range groups {
		out = append(out, engine.InitiatorGroup{ID: g.ID, Name: g.Name})
	}
	return out, nil
}

// ListAccessRecords implements engine.StorageBackend.
func (c *Client) ListAccessRecords(ctx context.Context, volumeName string) ([]engine.AccessRecord, error) {
	var query url.Values
	if volumeName != "" {
		query = url.Values{"vol_name": {volumeName}}
	}
	records, err := list[accessRecord](ctx, c, "/access_control_records/detail", query)
	if err != nil {
		return nil, err
	}
	out := make([]engine.AccessRecord, 0, len(records))
	for _, r := range records {
		if volumeName != "" && r.VolName != volumeName {
			continue
		}
		out = append(out, r.toEngine())
	}
	return out, nil
}

func (c *Client) findGroup(ctx context.Context, name string) (*initiatorGroup, error) {
	groups, err := list[initiatorGroup](ctx, c, "/initiator_groups", url.Values{"name": {name}})
	if err != nil {
		return nil, err
	}
	for i := range groups {
		if groups[i].Name == name {
			return &groups[i], nil
		}
	}
	return nil, engine.NewConfigurationError(fmt.Sprintf("initiator group %q not found", name), nil).
		WithCode(engine.ErrCodeGroupNotFound).
		WithResource(name)
}

// GrantAccess implements engine.StorageBackend. Access covers the volume and its snapshots.
func (c *Client) GrantAccess(ctx context.Context, volumeName, group string, dryRun bool) (*engine.AccessRecord, error) {
	g, err := c.findGroup(ctx, group)
	if err != nil {
		return nil, err
	}

	var volID string
	if v, err := c.findVolume(ctx, volumeName); err != nil {
		return nil, err
	} else if v != nil {
		volID = v.ID
	} else if !dryRun {
		return nil, engine.NewValidationError(fmt.Sprintf("volume %q not found on the array", volumeName), nil).
			WithCode(engine.ErrCodeNotFound).
			WithResource(volumeName)
	}

	req := accessRecord{
		VolID:            volID,
		InitiatorGroupID: g.ID,
		ApplyTo:          string(engine.AccessModeBoth),
	}
	if dryRun {
		req.VolName = volumeName
		req.InitiatorGroupName = g.Name
		rec := req.toEngine()
		return &rec, nil
	}

	var created accessRecord
	if err := c.call(ctx, http.MethodPost, "/access_control_records", nil, req, &created, volumeName); err != nil {
		return nil, err
	}
	if created.VolName == "" {
		created.VolName = volumeName
	}
	if created.InitiatorGroupName == "" {
		created.InitiatorGroupName = g.Name
	}
	rec := created.toEngine()
	c.logger.Debug().Str("volume", volumeName).Str("group", g.Name).Str("record", rec.ID).Msg("Access granted")
	return &rec, nil
}

// RevokeAccess implements engine.StorageBackend.
func (c *Client) RevokeAccess(ctx context.Context, recordID string, dryRun bool) error {
	if dryRun {
		return nil
	}
	if err := c.call(ctx, http.MethodDelete, "/access_control_records/"+recordID, nil, nil, nil, recordID); err != nil {
		return err
	}
	c.logger.Debug().Str("record", recordID).Msg("Access revoked")
	return nil
}

// ListSnapshots implements engine.StorageBackend. The array only lists snapshots
// per volume, so this walks every volume.
func (c *Client) ListSnapshots(ctx context.Context) ([]engine.Snapshot, error) {
	vols, err := list[volume](ctx, c, "/volumes", nil)
	if err != nil {
		return nil, err
	}
	var out []engine.Snapshot
	for _, v := range vols {
		snaps, err := list[snapshot](ctx, c, "/snapshots/detail", url.Values{"vol_name": {v.Name}})
		if err != nil {
			return nil, err
		}
		for _, s := range snaps {
			if s.VolName == "" {
				s.VolName = v.Name
			}
			out = append(out, s.toEngine())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// Ping verifies the endpoint and credentials by opening a session.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if _, err := c.sessionToken(ctx); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}
