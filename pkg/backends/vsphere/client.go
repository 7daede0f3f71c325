// Package vsphere implements engine.HypervisorBackend against vCenter with govmomi.
//
// Objects are looked up by inventory name through container views, so host,
// datastore and cluster names must be unique within the vCenter.
package vsphere

import (
	"context"
	"fmt"
	"net/url"
	"sort"

	"github.com/rs/zerolog"
	"github.com/vmware/govmomi"
	"github.com/vmware/govmomi/property"
	"github.com/vmware/govmomi/view"
	"github.com/vmware/govmomi/vim25"
	"github.com/vmware/govmomi/vim25/mo"
	"github.com/vmware/govmomi/vim25/soap"
	"github.com/vmware/govmomi/vim25/types"

	"github.com/openfroyo/dsctl/pkg/engine"
)

// Config holds vCenter connection configuration.
type Config struct {
	// URL is the vCenter endpoint. A bare host name gets https and /sdk.
	URL string

	Username string
	Password string

	// Insecure skips TLS certificate verification.
	Insecure bool
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("vcenter url is required")
	}
	if c.Username == "" {
		return fmt.Errorf("vcenter username is required")
	}
	if c.Password == "" {
		return fmt.Errorf("vcenter password is required")
	}
	return nil
}

// Client encapsulates a vSphere session, exposing the subset of
// functionality the engine requires.
type Client struct {
	vim    *vim25.Client
	logout func(context.Context) error
	logger zerolog.Logger
}

// Dial logs in to vCenter. Close must be called to release the session.
func Dial(ctx context.Context, cfg *Config, logger zerolog.Logger) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, engine.NewConfigurationError("invalid vcenter configuration", err)
	}
	u, err := soap.ParseURL(cfg.URL)
	if err != nil {
		return nil, engine.NewConfigurationError("invalid vcenter url", err)
	}
	u.User = url.UserPassword(cfg.Username, cfg.Password)

	gc, err := govmomi.NewClient(ctx, u, cfg.Insecure)
	if err != nil {
		return nil, engine.NewConnectivityError("failed to log in to vcenter", err).WithResource(u.Host)
	}
	c := NewFromVim(gc.Client, logger)
	c.logout = gc.Logout
	c.logger.Debug().Str("vcenter", u.Host).Msg("vCenter session established")
	return c, nil
}

// NewFromVim wraps an existing vim25 client.
func NewFromVim(vim *vim25.Client, logger zerolog.Logger) *Client {
	return &Client{
		vim:    vim,
		logger: logger.With().Str("component", "vsphere").Logger(),
	}
}

// Close logs out.
func (c *Client) Close(ctx context.Context) error {
	if c.logout == nil {
		return nil
	}
	return c.logout(ctx)
}

func connectivity(op string, err error) *engine.EngineError {
	return engine.NewConnectivityError("vcenter call failed", err).WithOperation(op)
}

// find returns the single managed object of kind with the given name, or nil.
func (c *Client) find(ctx context.Context, kind, name string) (*types.ManagedObjectReference, error) {
	m := view.NewManager(c.vim)
	v, err := m.CreateContainerView(ctx, c.vim.ServiceContent.RootFolder, []string{kind}, true)
	if err != nil {
		return nil, connectivity("CreateContainerView", err)
	}
	defer func() { _ = v.Destroy(ctx) }()

	refs, err := v.Find(ctx, []string{kind}, property.Filter{"name": name})
	if err != nil {
		return nil, connectivity("Find "+kind, err)
	}
	switch len(refs) {
	case 0:
		return nil, nil
	case 1:
		return &refs[0], nil
	default:
		return nil, engine.NewConfigurationError(fmt.Sprintf("%d objects of type %s are named %q", len(refs), kind, name), nil).
			WithResource(name)
	}
}

// retrieveAll loads props of every object of kind into dst.
func (c *Client) retrieveAll(ctx context.Context, kind string, props []string, dst interface{}) error {
	m := view.NewManager(c.vim)
	v, err := m.CreateContainerView(ctx, c.vim.ServiceContent.RootFolder, []string{kind}, true)
	if err != nil {
		return connectivity("CreateContainerView", err)
	}
	defer func() { _ = v.Destroy(ctx) }()

	if err := v.Retrieve(ctx, []string{kind}, props, dst); err != nil {
		return connectivity("Retrieve "+kind, err)
	}
	return nil
}

func (c *Client) retrieve(ctx context.Context, refs []types.ManagedObjectReference, props []string, dst interface{}) error {
	if len(refs) == 0 {
		return nil
	}
	if err := property.DefaultCollector(c.vim).Retrieve(ctx, refs, props, dst); err != nil {
		return connectivity("Retrieve", err)
	}
	return nil
}

func (c *Client) cluster(ctx context.Context, name string) (*mo.ClusterComputeResource, error) {
	ref, err := c.find(ctx, "ClusterComputeResource", name)
	if err != nil {
		return nil, err
	}
	if ref == nil {
		return nil, engine.NewConfigurationError(fmt.Sprintf("cluster %q not found in vcenter", name), nil).
			WithCode(engine.ErrCodeNotFound).
			WithResource(name)
	}
	var cl mo.ClusterComputeResource
	if err := property.DefaultCollector(c.vim).RetrieveOne(ctx, *ref, []string{"name", "host", "datastore"}, &cl); err != nil {
		return nil, connectivity("RetrieveOne cluster", err)
	}
	return &cl, nil
}

func (c *Client) host(ctx context.Context, name string) (*mo.HostSystem, error) {
	ref, err := c.find(ctx, "HostSystem", name)
	if err != nil {
		return nil, err
	}
	if ref == nil {
		return nil, engine.NewConfigurationError(fmt.Sprintf("host %q not found in vcenter", name), nil).
			WithCode(engine.ErrCodeNotFound).
			WithResource(name)
	}
	var h mo.HostSystem
	if err := property.DefaultCollector(c.vim).RetrieveOne(ctx, *ref, []string{"name", "configManager"}, &h); err != nil {
		return nil, connectivity("RetrieveOne host", err)
	}
	if h.ConfigManager.StorageSystem == nil || h.ConfigManager.DatastoreSystem == nil {
		return nil, engine.NewConfigurationError(fmt.Sprintf("host %q exposes no storage system", name), nil).
			WithResource(name)
	}
	return &h, nil
}

// ListClusters implements engine.HypervisorBackend.
func (c *Client) ListClusters(ctx context.Context) ([]string, error) {
	var clusters []mo.ClusterComputeResource
	if err := c.retrieveAll(ctx, "ClusterComputeResource", []string{"name"}, &clusters); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(clusters))
	for _, cl := range clusters {
		names = append(names, cl.Name)
	}
	sort.Strings(names)
	return names, nil
}

// ClusterHosts implements engine.HypervisorBackend.
func (c *Client) ClusterHosts(ctx context.Context, cluster string) ([]engine.Host, error) {
	cl, err := c.cluster(ctx, cluster)
	if err != nil {
		return nil, err
	}
	var hosts []mo.HostSystem
	if err := c.retrieve(ctx, cl.Host, []string{"name"}, &hosts); err != nil {
		return nil, err
	}
	out := make([]engine.Host, 0, len(hosts))
	for _, h := range hosts {
		out = append(out, engine.Host{Name: h.Name, Cluster: cluster})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// GetDatastore implements engine.HypervisorBackend.
func (c *Client) GetDatastore(ctx context.Context, name string) (*engine.DatastoreView, error) {
	ref, err := c.find(ctx, "Datastore", name)
	if err != nil || ref == nil {
		return nil, err
	}
	views, err := c.datastoreViews(ctx, []types.ManagedObjectReference{*ref})
	if err != nil {
		return nil, err
	}
	if len(views) == 0 {
		return nil, nil
	}
	return &views[0], nil
}

// ListDatastores implements engine.HypervisorBackend.
func (c *Client) ListDatastores(ctx context.Context, cluster string) ([]engine.DatastoreView, error) {
	cl, err := c.cluster(ctx, cluster)
	if err != nil {
		return nil, err
	}
	return c.datastoreViews(ctx, cl.Datastore)
}

func (c *Client) datastoreViews(ctx context.Context, refs []types.ManagedObjectReference) ([]engine.DatastoreView, error) {
	var datastores []mo.Datastore
	if err := c.retrieve(ctx, refs, []string{"name", "summary", "info", "host", "vm"}, &datastores); err != nil {
		return nil, err
	}

	var hostRefs, vmRefs []types.ManagedObjectReference
	for _, ds := range datastores {
		for _, m := range ds.Host {
			hostRefs = append(hostRefs, m.Key)
		}
		vmRefs = append(vmRefs, ds.Vm...)
	}

	var hosts []mo.HostSystem
	if err := c.retrieve(ctx, dedupe(hostRefs), []string{"name"}, &hosts); err != nil {
		return nil, err
	}
	var vms []mo.VirtualMachine
	if err := c.retrieve(ctx, dedupe(vmRefs), []string{"name"}, &vms); err != nil {
		return nil, err
	}
	names := map[string]string{}
	for _, h := range hosts {
		names[h.Reference().Value] = h.Name
	}
	for _, vm := range vms {
		names[vm.Reference().Value] = vm.Name
	}

	out := make([]engine.DatastoreView, 0, len(datastores))
	for _, ds := range datastores {
		out = append(out, datastoreView(ds, names))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func dedupe(refs []types.ManagedObjectReference) []types.ManagedObjectReference {
	seen := map[types.ManagedObjectReference]bool{}
	out := refs[:0:0]
	for _, r := range refs {
		if !seen[r] {
			seen[r] = true
			out = append(out, r)
		}
	}
	return out
}
