// Copyright 2016 VMware, Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package supervisor

import "github.com/syndtr/gocapability/capability"

// capabilityByName is the whitelist of capability names a manifest entry
// may request. Unknown names are skipped with a warning, per spec.md
// section 4.2 step 5.
var capabilityByName = map[string]capability.Cap{
	"chown":            capability.CAP_CHOWN,
	"dac_override":     capability.CAP_DAC_OVERRIDE,
	"dac_read_search":  capability.CAP_DAC_READ_SEARCH,
	"fowner":           capability.CAP_FOWNER,
	"fsetid":           capability.CAP_FSETID,
	"kill":             capability.CAP_KILL,
	"setgid":           capability.CAP_SETGID,
	"setuid":           capability.CAP_SETUID,
	"setpcap":          capability.CAP_SETPCAP,
	"linux_immutable":  capability.CAP_LINUX_IMMUTABLE,
	"net_bind_service": capability.CAP_NET_BIND_SERVICE,
	"net_broadcast":    capability.CAP_NET_BROADCAST,
	"net_admin":        capability.CAP_NET_ADMIN,
	"net_raw":          capability.CAP_NET_RAW,
	"ipc_lock":         capability.CAP_IPC_LOCK,
	"ipc_owner":        capability.CAP_IPC_OWNER,
	"sys_module":       capability.CAP_SYS_MODULE,
	"sys_rawio":        capability.CAP_SYS_RAWIO,
	"sys_chroot":       capability.CAP_SYS_CHROOT,
	"sys_ptrace":       capability.CAP_SYS_PTRACE,
	"sys_pacct":        capability.CAP_SYS_PACCT,
	"sys_admin":        capability.CAP_SYS_ADMIN,
	"sys_boot":         capability.CAP_SYS_BOOT,
	"sys_nice":         capability.CAP_SYS_NICE,
	"sys_resource":     capability.CAP_SYS_RESOURCE,
	"sys_time":         capability.CAP_SYS_TIME,
	"sys_tty_config":   capability.CAP_SYS_TTY_CONFIG,
	"mknod":            capability.CAP_MKNOD,
	"lease":            capability.CAP_LEASE,
	"audit_write":      capability.CAP_AUDIT_WRITE,
	"audit_control":    capability.CAP_AUDIT_CONTROL,
	"setfcap":          capability.CAP_SETFCAP,
	"mac_override":     capability.CAP_MAC_OVERRIDE,
	"mac_admin":        capability.CAP_MAC_ADMIN,
	"syslog":           capability.CAP_SYSLOG,
	"wake_alarm":       capability.CAP_WAKE_ALARM,
	"block_suspend":    capability.CAP_BLOCK_SUSPEND,
	"audit_read":       capability.CAP_AUDIT_READ,
}

// resolveCapabilities maps a manifest's capability name list to the
// gocapability constants it identifies, logging and skipping any name
// this repository does not recognize.
func resolveCapabilities(names []string, warn func(string)) []capability.Cap {
	out := make([]capability.Cap, 0, len(names))
	for _, name := range names {
		c, ok := capabilityByName[name]
		if !ok {
			if warn != nil {
				warn("unknown capability name, skipping: " + name)
			}
			continue
		}
		out = append(out, c)
	}
	return out
}
