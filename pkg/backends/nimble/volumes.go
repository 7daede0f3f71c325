package nimble

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/openfroyo/dsctl/pkg/engine"
)

func (c *Client) findVolume(ctx context.Context, name string) (*volume, error) {
	vols, err := list[volume](ctx, c, "/volumes/detail", url.Values{"name": {name}})
	if err != nil {
		return nil, err
	}
	for i := range vols {
		if vols[i].Name == name {
			return &vols[i], nil
		}
	}
	return nil, nil
}

func (c *Client) mustFindVolume(ctx context.Context, name string) (*volume, error) {
	v, err := c.findVolume(ctx, name)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, engine.NewValidationError(fmt.Sprintf("volume %q not found on the array", name), nil).
			WithCode(engine.ErrCodeNotFound).
			WithResource(name)
	}
	return v, nil
}

// GetVolume implements engine.StorageBackend.
func (c *Client) GetVolume(ctx context.Context, name string) (*engine.VolumeSpec, error) {
	v, err := c.findVolume(ctx, name)
	if err != nil || v == nil {
		return nil, err
	}
	spec := v.toEngine()
	return &spec, nil
}

// ListVolumes implements engine.StorageBackend.
func (c *Client) ListVolumes(ctx context.Context) ([]engine.VolumeSpec, error) {
	vols, err := list[volume](ctx, c, "/volumes/detail", nil)
	if err != nil {
		return nil, err
	}
	out := make([]engine.VolumeSpec, 0, len(vols))
	for _, v := range vols {
		out = append(out, v.toEngine())
	}
	return out, nil
}

func (c *Client) performancePolicyID(ctx context.Context, name string) (string, error) {
	policies, err := list[performancePolicy](ctx, c, "/performance_policies", url.Values{"name": {name}})
	if err != nil {
		return "", err
	}
	for _, p := range policies {
		if p.Name == name {
			return p.ID, nil
		}
	}
	return "", engine.NewConfigurationError(fmt.Sprintf("performance policy %q does not exist", name), nil).
		WithResource(name)
}

// CreateVolume implements engine.StorageBackend.
func (c *Client) CreateVolume(ctx context.Context, spec engine.VolumeSpec, dryRun bool) (*engine.VolumeSpec, error) {
	req := volume{Name: spec.Name, Size: toMiB(spec.SizeBytes), Online: true}
	if spec.PerformancePolicy != "" {
		id, err := c.performancePolicyID(ctx, spec.PerformancePolicy)
		if err != nil {
			return nil, err
		}
		req.PerfPolicyID = id
	}

	if dryRun {
		existing, err := c.findVolume(ctx, spec.Name)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return nil, engine.NewValidationError(fmt.Sprintf("volume %q already exists", spec.Name), nil).
				WithCode(engine.ErrCodeAlreadyExists).
				WithResource(spec.Name)
		}
		preview := req
		preview.PerfPolicyName = spec.PerformancePolicy
		out := preview.toEngine()
		return &out, nil
	}

	var created volume
	if err := c.call(ctx, http.MethodPost, "/volumes", nil, req, &created, spec.Name); err != nil {
		return nil, err
	}
	c.logger.Debug().Str("volume", created.Name).Int64("size_mib", created.Size).Msg("Volume created")
	out := created.toEngine()
	return &out, nil
}

// CloneVolume implements engine.StorageBackend. The snapshot backing the clone is
// named after the clone so audit can attribute it.
func (c *Client) CloneVolume(ctx context.Context, source, name string, dryRun bool) (*engine.VolumeSpec, error) {
	src, err := c.mustFindVolume(ctx, source)
	if err != nil {
		return nil, err
	}
	if dryRun {
		preview := volume{Name: name, Size: src.Size, PerfPolicyName: src.PerfPolicyName, ParentVolName: src.Name, Online: true}
		out := preview.toEngine()
		return &out, nil
	}

	var snap snapshot
	snapReq := snapshot{Name: "dsctl-clone-" + name, VolID: src.ID}
	if err := c.call(ctx, http.MethodPost, "/snapshots", nil, snapReq, &snap, source); err != nil {
		return nil, err
	}

	var created volume
	req := volume{Name: name, BaseSnapID: snap.ID, Clone: true, Online: true}
	if err := c.call(ctx, http.MethodPost, "/volumes", nil, req, &created, name); err != nil {
		return nil, err
	}
	if created.ParentVolName == "" {
		created.ParentVolName = src.Name
	}
	c.logger.Debug().Str("volume", created.Name).Str("source", source).Str("snapshot", snap.Name).Msg("Volume cloned")
	out := created.toEngine()
	return &out, nil
}

// GrowVolume implements engine.StorageBackend.
func (c *Client) GrowVolume(ctx context.Context, name string, sizeBytes int64, dryRun bool) (*engine.VolumeSpec, error) {
	v, err := c.mustFindVolume(ctx, name)
	if err != nil {
		return nil, err
	}
	size := toMiB(sizeBytes)
	if size < v.Size {
		return nil, engine.NewValidationError("array volumes cannot shrink", nil).
			WithCode(engine.ErrCodeSizeNotGrowing).
			WithResource(name)
	}
	if dryRun {
		preview := *v
		preview.Size = size
		out := preview.toEngine()
		return &out, nil
	}

	var updated volume
	if err := c.call(ctx, http.MethodPut, "/volumes/"+v.ID, nil, map[string]int64{"size": size}, &updated, name); err != nil {
		return nil, err
	}
	out := updated.toEngine()
	return &out, nil
}

// DeleteVolume implements engine.StorageBackend. The array only deletes offline volumes.
func (c *Client) DeleteVolume(ctx context.Context, name string, dryRun bool) error {
	v, err := c.mustFindVolume(ctx, name)
	if err != nil {
		return err
	}
	if dryRun {
		return nil
	}
	if v.Online {
		if err := c.call(ctx, http.MethodPut, "/volumes/"+v.ID, nil, map[string]bool{"online": false}, nil, name); err != nil {
			return err
		}
	}
	if err := c.call(ctx, http.MethodDelete, "/volumes/"+v.ID, nil, nil, nil, name); err != nil {
		return err
	}
	c.logger.Debug().Str("volume", name).Msg("Volume deleted")
	return nil
}
