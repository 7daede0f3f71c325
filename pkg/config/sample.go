package config

// Sample is the annotated configuration written by dsctl init.
const Sample = `# dsctl configuration
array:
  endpoint: https://nimble.example.net:5392
  username: dsctl
  # The password is read from this environment variable.
  password_env: DSCTL_ARRAY_PASSWORD
  timeout: 60s
  retries: 2

vcenter:
  endpoint: vcenter.example.net
  username: dsctl@vsphere.local
  password_env: DSCTL_VCENTER_PASSWORD

clusters:
  Prod:
    # Must match exactly one initiator group on the array.
    initiator_group_pattern: "^prod-esx"
    performance_policy: VMware ESX
  Dev:
    initiator_group_pattern: "^dev-esx"

defaults:
  snapshot_max_age: 168h
  low_space_percent: 10
  empty_large_min: 500 GiB
  expected_path_policy: VMW_PSP_RR
  array_vendor: Nimble
  visibility_attempts: 10
  visibility_interval: 5s
  capacity_tolerance_percent: 1
  capacity_tolerance_floor: 64 MiB

naming:
  datastore: "{volume}"
  clone: "{source}-clone-{date}"

logging:
  level: info
  format: console
  output: stderr

metrics:
  enabled: false
  textfile_path: /var/lib/node_exporter/textfile/dsctl.prom
  namespace: dsctl

tracing:
  enabled: false
  exporter: none

journal:
  enabled: true
  path: /var/lib/dsctl/journal.db

policy:
  paths: []
`
