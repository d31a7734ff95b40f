package api

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

type obj = map[string]any

var (
	str     = obj{"type": "string"}
	boolean = obj{"type": "boolean"}
	count   = obj{"type": "integer", "minimum": 0}

	bucket = object([]string{"size", "refill_time"}, obj{
		"size":           count,
		"one_time_burst": count,
		"refill_time":    count,
	})

	rateLimiter = object(nil, obj{
		"bandwidth": bucket,
		"ops":       bucket,
	})
)

func object(required []string, props obj) obj {
	o := obj{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		o["required"] = required
	}

	return o
}

func enum(values ...string) obj {
	return obj{"type": "string", "enum": values}
}

var machineConfigProps = obj{
	"vcpu_count":        obj{"type": "integer", "minimum": 1},
	"mem_size_mib":      obj{"type": "integer", "minimum": 1},
	"smt":               boolean,
	"cpu_template":      str,
	"track_dirty_pages": boolean,
	"huge_pages":        enum("None", "2M", "1G"),
}

// schemas holds the body schema of every request that carries one, keyed by
// the name of the request.
var schemas = compile(map[string]obj{
	"actions": object([]string{"action_type"}, obj{
		"action_type": enum("InstanceStart", "Pause", "Resume", "SendCtrlAltDel", "FlushMetrics"),
	}),
	"boot-source": object([]string{"kernel_image_path"}, obj{
		"kernel_image_path": str,
		"initrd_path":       str,
		"boot_args":         str,
	}),
	"drive": object([]string{"drive_id", "path_on_host", "is_root_device", "is_read_only"}, obj{
		"drive_id":       str,
		"path_on_host":   str,
		"is_root_device": boolean,
		"is_read_only":   boolean,
		"partuuid":       str,
		"cache_type":     enum("Unsafe", "Writeback"),
		"rate_limiter":   rateLimiter,
	}),
	"drive-update": object([]string{"drive_id"}, obj{
		"drive_id":     str,
		"path_on_host": str,
		"rate_limiter": rateLimiter,
	}),
	"network-interface": object([]string{"iface_id", "host_dev_name"}, obj{
		"iface_id":        str,
		"host_dev_name":   str,
		"guest_mac":       str,
		"rx_rate_limiter": rateLimiter,
		"tx_rate_limiter": rateLimiter,
	}),
	"network-interface-update": object([]string{"iface_id"}, obj{
		"iface_id":        str,
		"rx_rate_limiter": rateLimiter,
		"tx_rate_limiter": rateLimiter,
	}),
	"machine-config":        object([]string{"vcpu_count", "mem_size_mib"}, machineConfigProps),
	"machine-config-update": object(nil, machineConfigProps),
	"vm": object([]string{"state"}, obj{
		"state": enum("Paused", "Resumed"),
	}),
	"logger": object([]string{"log_path", "level"}, obj{
		"log_path":        str,
		"level":           str,
		"show_level":      boolean,
		"show_log_origin": boolean,
	}),
	"metrics": object([]string{"metrics_path"}, obj{
		"metrics_path": str,
	}),
	"balloon": object([]string{"amount_mib", "deflate_on_oom"}, obj{
		"amount_mib":               count,
		"deflate_on_oom":           boolean,
		"stats_polling_interval_s": count,
	}),
	"balloon-update": object([]string{"amount_mib"}, obj{
		"amount_mib": count,
	}),
	"balloon-stats-update": object([]string{"stats_polling_interval_s"}, obj{
		"stats_polling_interval_s": count,
	}),
	"entropy": object(nil, obj{
		"rate_limiter": rateLimiter,
	}),
	"mmds": obj{"type": "object"},
	"mmds-config": object([]string{"network_interfaces"}, obj{
		"version":            enum("V1", "V2"),
		"network_interfaces": obj{"type": "array", "items": str},
		"ipv4_address":       str,
	}),
	"snapshot-create": object([]string{"snapshot_path", "mem_file_path"}, obj{
		"snapshot_type": enum("Full", "Diff"),
		"snapshot_path": str,
		"mem_file_path": str,
		"version":       str,
	}),
	"snapshot-load": object([]string{"snapshot_path"}, obj{
		"snapshot_path": str,
		"mem_file_path": str,
		"mem_backend": object([]string{"backend_type", "backend_path"}, obj{
			"backend_type": enum("File", "Uffd"),
			"backend_path": str,
		}),
		"enable_diff_snapshots": boolean,
		"resume_vm":             boolean,
	}),
})

func compile(defs map[string]obj) map[string]*gojsonschema.Schema {
	out := make(map[string]*gojsonschema.Schema, len(defs))

	for name, def := range defs {
		s, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(def))
		if err != nil {
			panic(fmt.Sprintf("api: schema %s: %v", name, err))
		}

		out[name] = s
	}

	return out
}

// validate checks body against the named schema. The returned message names
// every offending field.
func validate(name string, body []byte) error {
	s, ok := schemas[name]
	if !ok {
		return fmt.Errorf("api: no schema for %s", name)
	}

	res, err := s.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return badRequest("invalid JSON body: %v", err)
	}

	if res.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(res.Errors()))
	for _, e := range res.Errors() {
		msgs = append(msgs, e.String())
	}

	return badRequest("invalid request body: %s", strings.Join(msgs, "; "))
}
