package nimble

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/dsctl/pkg/engine"
)

// fakeArray is an in-process array REST endpoint.
type fakeArray struct {
	mu       sync.Mutex
	t        *testing.T
	tokens   int
	volumes  []volume
	groups   []initiatorGroup
	records  []accessRecord
	snaps    []snapshot
	policies []performancePolicy
	requests []string
	bodies   map[string]json.RawMessage
	seq      int

	// failures maps "METHOD /path" to a queue of status codes returned before succeeding.
	failures map[string][]int
	expire   bool
}

func newFakeArray(t *testing.T) (*fakeArray, *Client) {
	t.Helper()
	fa := &fakeArray{
		t:        t,
		bodies:   map[string]json.RawMessage{},
		failures: map[string][]int{},
		groups:   []initiatorGroup{{ID: "ig-1", Name: "prod-esx-igroup"}},
		policies: []performancePolicy{{ID: "pp-1", Name: "VMware ESX"}},
	}
	srv := httptest.NewServer(http.HandlerFunc(fa.serve))
	t.Cleanup(srv.Close)

	cfg := DefaultConfig(srv.URL, "admin")
	cfg.Password = "secret"
	cfg.RetryWaitMin = time.Millisecond
	cfg.RetryWaitMax = time.Millisecond
	cfg.PageSize = 2
	c, err := New(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return fa, c
}

func (fa *fakeArray) nextID(prefix string) string {
	fa.seq++
	return fmt.Sprintf("%s-%d", prefix, fa.seq)
}

func (fa *fakeArray) countRequests(key string) int {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	n := 0
	for _, r := range fa.requests {
		if r == key {
			n++
		}
	}
	return n
}

func writeData(w http.ResponseWriter, status int, data interface{}) {
	raw, _ := json.Marshal(data)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Data: raw})
}

func writePage[T any](w http.ResponseWriter, r *http.Request, items []T) {
	start, _ := strconv.Atoi(r.URL.Query().Get("startRow"))
	size, _ := strconv.Atoi(r.URL.Query().Get("pageSize"))
	if size == 0 {
		size = len(items)
	}
	end := start + size
	if end > len(items) {
		end = len(items)
	}
	if start > end {
		start = end
	}
	raw, _ := json.Marshal(items[start:end])
	_ = json.NewEncoder(w).Encode(envelope{Data: raw, StartRow: start, EndRow: end, TotalRows: len(items)})
}

func writeError(w http.ResponseWriter, status int, code, text string) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{Messages: []apiMessage{{Code: code, Severity: "error", Text: text}}})
}

func (fa *fakeArray) serve(w http.ResponseWriter, r *http.Request) {
	fa.mu.Lock()
	defer fa.mu.Unlock()

	path := strings.TrimPrefix(r.URL.Path, apiPrefix)
	key := r.Method + " " + path
	fa.requests = append(fa.requests, key)

	var body envelope
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
		if len(body.Data) > 0 {
			fa.bodies[key] = body.Data
		}
	}

	if queue := fa.failures[key]; len(queue) > 0 {
		fa.failures[key] = queue[1:]
		writeError(w, queue[0], "SM_injected", "injected failure")
		return
	}

	if path == "/tokens" && r.Method == http.MethodPost {
		var creds map[string]string
		_ = json.Unmarshal(body.Data, &creds)
		if creds["password"] != "secret" {
			writeError(w, http.StatusUnauthorized, "SM_http_unauthorized", "bad credentials")
			return
		}
		fa.tokens++
		writeData(w, http.StatusCreated, map[string]string{"session_token": fmt.Sprintf("tok-%d", fa.tokens)})
		return
	}
	current := fmt.Sprintf("tok-%d", fa.tokens)
	if r.Header.Get(tokenHeader) != current || fa.expire {
		fa.expire = false
		writeError(w, http.StatusUnauthorized, "SM_http_unauthorized", "session expired")
		return
	}

	q := r.URL.Query()
	switch {
	case r.Method == http.MethodGet && (path == "/volumes/detail" || path == "/volumes"):
		var out []volume
		for _, v := range fa.volumes {
			if name := q.Get("name"); name == "" || v.Name == name {
				out = append(out, v)
			}
		}
		writePage(w, r, out)

	case r.Method == http.MethodPost && path == "/volumes":
		var req volume
		_ = json.Unmarshal(body.Data, &req)
		for _, v := range fa.volumes {
			if v.Name == req.Name {
				writeError(w, http.StatusConflict, "SM_eexist", "volume exists")
				return
			}
		}
		req.ID = fa.nextID("vol")
		req.SerialNumber = fmt.Sprintf("6C9CE0D0%024X", fa.seq)
		req.Online = true
		if req.Clone {
			for _, s := range fa.snaps {
				if s.ID == req.BaseSnapID {
					req.ParentVolName = s.VolName
					for _, v := range fa.volumes {
						if v.Name == s.VolName {
							req.Size = v.Size
						}
					}
				}
			}
		}
		fa.volumes = append(fa.volumes, req)
		writeData(w, http.StatusCreated, req)

	case strings.HasPrefix(path, "/volumes/") && (r.Method == http.MethodPut || r.Method == http.MethodDelete):
		id := strings.TrimPrefix(path, "/volumes/")
		for i, v := range fa.volumes {
			if v.ID != id {
				continue
			}
			if r.Method == http.MethodDelete {
				if v.Online {
					writeError(w, http.StatusBadRequest, "SM_vol_online", "volume is online")
					return
				}
				fa.volumes = append(fa.volumes[:i], fa.volumes[i+1:]...)
				writeData(w, http.StatusOK, nil)
				return
			}
			var patch map[string]interface{}
			_ = json.Unmarshal(body.Data, &patch)
			if size, ok := patch["size"].(float64); ok {
				fa.volumes[i].Size = int64(size)
			}
			if online, ok := patch["online"].(bool); ok {
				fa.volumes[i].Online = online
			}
			writeData(w, http.StatusOK, fa.volumes[i])
			return
		}
		writeError(w, http.StatusNotFound, "SM_http_not_found", "no such volume")

	case r.Method == http.MethodGet && path == "/initiator_groups":
		var out []initiatorGroup
		for _, g := range fa.groups {
			if name := q.Get("name"); name == "" || g.Name == name {
				out = append(out, g)
			}
		}
		writePage(w, r, out)

	case r.Method == http.MethodGet && path == "/performance_policies":
		var out []performancePolicy
		for _, p := range fa.policies {
			if name := q.Get("name"); name == "" || p.Name == name {
				out = append(out, p)
			}
		}
		writePage(w, r, out)

	case r.Method == http.MethodGet && path == "/access_control_records/detail":
		var out []accessRecord
		for _, rec := range fa.records {
			if name := q.Get("vol_name"); name == "" || rec.VolName == name {
				out = append(out, rec)
			}
		}
		writePage(w, r, out)

	case r.Method == http.MethodPost && path == "/access_control_records":
		var req accessRecord
		_ = json.Unmarshal(body.Data, &req)
		req.ID = fa.nextID("acr")
		for _, v := range fa.volumes {
			if v.ID == req.VolID {
				req.VolName = v.Name
			}
		}
		for _, g := range fa.groups {
			if g.ID == req.InitiatorGroupID {
				req.InitiatorGroupName = g.Name
			}
		}
		fa.records = append(fa.records, req)
		writeData(w, http.StatusCreated, req)

	case r.Method == http.MethodDelete && strings.HasPrefix(path, "/access_control_records/"):
		id := strings.TrimPrefix(path, "/access_control_records/")
		for i, rec := range fa.records {
			if rec.ID == id {
				fa.records = append(fa.records[:i], fa.records[i+1:]...)
				writeData(w, http.StatusOK, nil)
				return
			}
		}
		writeError(w, http.StatusNotFound, "SM_http_not_found", "no such record")

	case r.Method == http.MethodPost && path == "/snapshots":
		var req snapshot
		_ = json.Unmarshal(body.Data, &req)
		req.ID = fa.nextID("snap")
		for _, v := range fa.volumes {
			if v.ID == req.VolID {
				req.VolName = v.Name
			}
		}
		req.CreationTime = 1773478800
		fa.snaps = append(fa.snaps, req)
		writeData(w, http.StatusCreated, req)

	case r.Method == http.MethodGet && path == "/snapshots/detail":
		name := q.Get("vol_name")
		if name == "" {
			writeError(w, http.StatusBadRequest, "SM_missing_arg", "vol_name or vol_id required")
			return
		}
		var out []snapshot
		for _, s := range fa.snaps {
			if s.VolName == name {
				out = append(out, s)
			}
		}
		writePage(w, r, out)

	default:
		writeError(w, http.StatusNotFound, "SM_http_not_found", "unknown path "+path)
	}
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		c := DefaultConfig("https://array01:5392", "admin")
		c.Password = "secret"
		return c
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "missing endpoint", mutate: func(c *Config) { c.Endpoint = "" }, wantErr: true},
		{name: "bad scheme", mutate: func(c *Config) { c.Endpoint = "ftp://array01" }, wantErr: true},
		{name: "missing password", mutate: func(c *Config) { c.Password = "" }, wantErr: true},
		{name: "zero timeout", mutate: func(c *Config) { c.RequestTimeout = 0 }, wantErr: true},
		{name: "negative retries", mutate: func(c *Config) { c.RetryMax = -1 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Expected error=%v, got: %v", tt.wantErr, err)
			}
		})
	}
}

func TestClient_GetVolume(t *testing.T) {
	fa, c := newFakeArray(t)
	fa.volumes = []volume{{ID: "vol-1", Name: "sql01", Size: 102400, PerfPolicyName: "VMware ESX", Online: true, SerialNumber: "ABCDEF0123"}}

	got, err := c.GetVolume(context.Background(), "sql01")
	if err != nil {
		t.Fatalf("GetVolume failed: %v", err)
	}
	if got.SizeBytes != engine.GiB(100) {
		t.Errorf("Expected 100 GiB, got %d", got.SizeBytes)
	}
	if got.DeviceID != "eui.abcdef0123" {
		t.Errorf("Expected eui.abcdef0123, got %s", got.DeviceID)
	}

	missing, err := c.GetVolume(context.Background(), "nope")
	if err != nil || missing != nil {
		t.Errorf("Expected nil volume and no error, got %+v, %v", missing, err)
	}
}

func TestClient_CreateVolume(t *testing.T) {
	fa, c := newFakeArray(t)

	got, err := c.CreateVolume(context.Background(), engine.VolumeSpec{
		Name:              "prod-ds-01",
		SizeBytes:         engine.GiB(2),
		PerformancePolicy: "VMware ESX",
	}, false)
	if err != nil {
		t.Fatalf("CreateVolume failed: %v", err)
	}
	if got.ID == "" || !strings.HasPrefix(got.DeviceID, "eui.") {
		t.Errorf("Expected an id and device id, got %+v", got)
	}

	var sent volume
	if err := json.Unmarshal(fa.bodies["POST /volumes"], &sent); err != nil {
		t.Fatalf("Expected a volume body: %v", err)
	}
	if sent.Size != 2048 {
		t.Errorf("Expected size in MiB 2048, got %d", sent.Size)
	}
	if sent.PerfPolicyID != "pp-1" {
		t.Errorf("Expected performance policy id pp-1, got %q", sent.PerfPolicyID)
	}
}

func TestClient_CreateVolume_UnknownPolicy(t *testing.T) {
	_, c := newFakeArray(t)

	_, err := c.CreateVolume(context.Background(), engine.VolumeSpec{
		Name:              "vol1",
		SizeBytes:         engine.GiB(1),
		PerformancePolicy: "Oracle",
	}, false)
	if !engine.IsConfiguration(err) {
		t.Errorf("Expected configuration error, got: %v", err)
	}
}

func TestClient_CreateVolume_DryRun(t *testing.T) {
	fa, c := newFakeArray(t)

	got, err := c.CreateVolume(context.Background(), engine.VolumeSpec{Name: "vol1", SizeBytes: engine.GiB(1)}, true)
	if err != nil {
		t.Fatalf("Dry run failed: %v", err)
	}
	if got.Name != "vol1" || got.SizeBytes != engine.GiB(1) {
		t.Errorf("Expected a preview of vol1, got %+v", got)
	}
	if n := fa.countRequests("POST /volumes"); n != 0 {
		t.Errorf("Expected no create request in dry run, got %d", n)
	}
}

func TestClient_CreateVolume_Conflict(t *testing.T) {
	fa, c := newFakeArray(t)
	fa.volumes = []volume{{ID: "vol-1", Name: "vol1", Size: 1024}}

	_, err := c.CreateVolume(context.Background(), engine.VolumeSpec{Name: "vol1", SizeBytes: engine.GiB(1)}, false)
	ee := engine.AsEngineError(err)
	if ee == nil || ee.Code != engine.ErrCodeAlreadyExists {
		t.Errorf("Expected ALREADY_EXISTS, got: %v", err)
	}
}

func TestClient_CloneVolume(t *testing.T) {
	fa, c := newFakeArray(t)
	fa.volumes = []volume{{ID: "vol-1", Name: "sql01", Size: 4096, Online: true, SerialNumber: "AA"}}

	got, err := c.CloneVolume(context.Background(), "sql01", "sql01-dev", false)
	if err != nil {
		t.Fatalf("CloneVolume failed: %v", err)
	}
	if got.SourceVolume != "sql01" {
		t.Errorf("Expected source sql01, got %q", got.SourceVolume)
	}
	if got.SizeBytes != 4096*mib {
		t.Errorf("Expected clone size to match source, got %d", got.SizeBytes)
	}

	var sent volume
	_ = json.Unmarshal(fa.bodies["POST /volumes"], &sent)
	if !sent.Clone || sent.BaseSnapID == "" {
		t.Errorf("Expected a clone from a snapshot, got %+v", sent)
	}
	if len(fa.snaps) != 1 || fa.snaps[0].Name != "dsctl-clone-sql01-dev" {
		t.Errorf("Expected one clone snapshot, got %+v", fa.snaps)
	}

	if _, err := c.CloneVolume(context.Background(), "missing", "x", false); !engine.IsValidation(err) {
		t.Errorf("Expected validation error for a missing source, got: %v", err)
	}
}

func TestClient_GrowVolume(t *testing.T) {
	fa, c := newFakeArray(t)
	fa.volumes = []volume{{ID: "vol-1", Name: "vol1", Size: 1024, Online: true}}

	got, err := c.GrowVolume(context.Background(), "vol1", engine.GiB(3), false)
	if err != nil {
		t.Fatalf("GrowVolume failed: %v", err)
	}
	if got.SizeBytes != engine.GiB(3) {
		t.Errorf("Expected 3 GiB, got %d", got.SizeBytes)
	}

	_, err = c.GrowVolume(context.Background(), "vol1", engine.GiB(1), false)
	if ee := engine.AsEngineError(err); ee == nil || ee.Code != engine.ErrCodeSizeNotGrowing {
		t.Errorf("Expected SIZE_NOT_GROWING, got: %v", err)
	}
}

func TestClient_DeleteVolume_OfflinesFirst(t *testing.T) {
	fa, c := newFakeArray(t)
	fa.volumes = []volume{{ID: "vol-1", Name: "vol1", Size: 1024, Online: true}}

	if err := c.DeleteVolume(context.Background(), "vol1", true); err != nil {
		t.Fatalf("Dry run delete failed: %v", err)
	}
	if len(fa.volumes) != 1 {
		t.Fatal("Expected dry run to keep the volume")
	}

	if err := c.DeleteVolume(context.Background(), "vol1", false); err != nil {
		t.Fatalf("DeleteVolume failed: %v", err)
	}
	if len(fa.volumes) != 0 {
		t.Errorf("Expected volume removed, got %+v", fa.volumes)
	}
	if fa.countRequests("PUT /volumes/vol-1") != 1 || fa.countRequests("DELETE /volumes/vol-1") != 1 {
		t.Errorf("Expected offline then delete, got %v", fa.requests)
	}
}

func TestClient_AccessRecords(t *testing.T) {
	fa, c := newFakeArray(t)
	fa.volumes = []volume{{ID: "vol-1", Name: "vol1", Size: 1024, Online: true}}
	ctx := context.Background()

	rec, err := c.GrantAccess(ctx, "vol1", "prod-esx-igroup", false)
	if err != nil {
		t.Fatalf("GrantAccess failed: %v", err)
	}
	if rec.InitiatorGroup != "prod-esx-igroup" || rec.Mode != engine.AccessModeBoth {
		t.Errorf("Unexpected record %+v", rec)
	}

	records, err := c.ListAccessRecords(ctx, "vol1")
	if err != nil {
		t.Fatalf("ListAccessRecords failed: %v", err)
	}
	if len(records) != 1 || records[0].ID != rec.ID {
		t.Errorf("Expected the granted record, got %+v", records)
	}

	if _, err := c.GrantAccess(ctx, "vol1", "dev-esx-igroup", false); !engine.IsConfiguration(err) {
		t.Errorf("Expected configuration error for an unknown group, got: %v", err)
	}

	if err := c.RevokeAccess(ctx, rec.ID, false); err != nil {
		t.Fatalf("RevokeAccess failed: %v", err)
	}
	if len(fa.records) != 0 {
		t.Errorf("Expected no records, got %+v", fa.records)
	}
}

func TestClient_ListSnapshots(t *testing.T) {
	fa, c := newFakeArray(t)
	fa.volumes = []volume{{ID: "vol-1", Name: "a"}, {ID: "vol-2", Name: "b"}}
	fa.snaps = []snapshot{
		{ID: "s1", Name: "nightly", VolName: "b", CreationTime: 200},
		{ID: "s2", Name: "weekly", VolName: "a", CreationTime: 100},
	}

	snaps, err := c.ListSnapshots(context.Background())
	if err != nil {
		t.Fatalf("ListSnapshots failed: %v", err)
	}
	if len(snaps) != 2 || snaps[0].Name != "weekly" {
		t.Errorf("Expected snapshots ordered by age, got %+v", snaps)
	}
	if !snaps[1].CreatedAt.Equal(time.Unix(200, 0)) {
		t.Errorf("Expected creation time from unix seconds, got %s", snaps[1].CreatedAt)
	}
}

func TestClient_Pagination(t *testing.T) {
	fa, c := newFakeArray(t)
	for i := 0; i < 5; i++ {
		fa.volumes = append(fa.volumes, volume{ID: fmt.Sprintf("vol-%d", i), Name: fmt.Sprintf("v%d", i)})
	}

	vols, err := c.ListVolumes(context.Background())
	if err != nil {
		t.Fatalf("ListVolumes failed: %v", err)
	}
	if len(vols) != 5 {
		t.Errorf("Expected 5 volumes over 3 pages, got %d", len(vols))
	}
	if n := fa.countRequests("GET /volumes/detail"); n != 3 {
		t.Errorf("Expected 3 page requests, got %d", n)
	}
}

func TestClient_SessionRenewal(t *testing.T) {
	fa, c := newFakeArray(t)
	ctx := context.Background()

	if _, err := c.ListInitiatorGroups(ctx); err != nil {
		t.Fatalf("First call failed: %v", err)
	}
	fa.mu.Lock()
	fa.expire = true
	fa.mu.Unlock()

	if _, err := c.ListInitiatorGroups(ctx); err != nil {
		t.Fatalf("Expected the session to be renewed, got: %v", err)
	}
	if fa.tokens != 2 {
		t.Errorf("Expected two logins, got %d", fa.tokens)
	}
}

func TestClient_BadCredentials(t *testing.T) {
	_, c := newFakeArray(t)
	c.config.Password = "wrong"

	_, err := c.ListVolumes(context.Background())
	if !engine.IsConfiguration(err) {
		t.Errorf("Expected configuration error for bad credentials, got: %v", err)
	}
}

func TestClient_RetriesReadsOnly(t *testing.T) {
	fa, c := newFakeArray(t)
	ctx := context.Background()
	if _, err := c.Ping(ctx); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}

	fa.mu.Lock()
	fa.failures["GET /initiator_groups"] = []int{http.StatusServiceUnavailable}
	fa.failures["POST /volumes"] = []int{http.StatusServiceUnavailable}
	fa.mu.Unlock()

	if _, err := c.ListInitiatorGroups(ctx); err != nil {
		t.Errorf("Expected the read to be retried, got: %v", err)
	}

	_, err := c.CreateVolume(ctx, engine.VolumeSpec{Name: "vol1", SizeBytes: engine.GiB(1)}, false)
	if !engine.IsConnectivity(err) {
		t.Errorf("Expected connectivity error for a failed write, got: %v", err)
	}
	if n := fa.countRequests("POST /volumes"); n != 1 {
		t.Errorf("Expected the write to be sent once, got %d", n)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		status int
		check  func(error) bool
		class  string
	}{
		{http.StatusUnauthorized, engine.IsConfiguration, "configuration"},
		{http.StatusNotFound, engine.IsValidation, "validation"},
		{http.StatusConflict, engine.IsValidation, "validation"},
		{http.StatusBadRequest, engine.IsValidation, "validation"},
		{http.StatusInternalServerError, engine.IsConnectivity, "connectivity"},
	}

	for _, tt := range tests {
		err := classify(&APIError{StatusCode: tt.status, Method: "GET", Path: "/volumes"}, "vol1")
		if !tt.check(err) {
			t.Errorf("Expected HTTP %d to be %s, got: %v", tt.status, tt.class, err)
		}
	}
}
