package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "control":
		return controlTemplate, nil
	case "worker":
		return workerTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const controlTemplate = `platform = 0
alias = "control"
instrument = "TST:0"
experiment = "tstx00117"
xpm_master = 0
pv_base = "DAQ:LAB2"
cfg_dbase = ""
config_alias = "BEAM"
trigger_config = "tdet"
record = false
slow_update_rate = 0
active_det_file = "/dev/null"
run_params_file = "/dev/null"
rollcall_timeout_ms = 30000
phase2_timeout_ms = 7500
phase2_replies = false
settle_ms = 1000
bind_host = "0.0.0.0"
admin_addr = "127.0.0.1:9480"
cors_origins = ["http://localhost:3000"]
runstore_dir = ""
sim_workers = []

[logbook]
url = ""
user = ""
password = ""
timeout_ms = 10000

[timeouts_ms]
alloc = 2000
connect = 15000
disconnect = 30000
configure = 45000
unconfigure = 6000
beginrun = 6000
endrun = 6000
beginstep = 30000
endstep = 6000
enable = 6000
disable = 6000
`

const workerTemplate = `alias = "cam0"
level = "drp"
platform = 0
host = "localhost"
readout = 0

[connect_info]
nic = "eth0"
`
