/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package libinfo reports the version of quotaguard the binary was built from.
package libinfo

import (
	"regexp"
	"runtime"
	"runtime/debug"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// ModulePath is the path of the quotaguard module.
const ModulePath = "github.com/acronis/go-quotaguard"

// DevelVersion is reported when the version is unknown, e.g. for `go run` and tests.
const DevelVersion = "(devel)"

// Version may be set at link time: -ldflags "-X github.com/acronis/go-quotaguard/internal/libinfo.Version=v1.2.3".
var Version string

var (
	resolvedVersion     string
	resolvedVersionOnce sync.Once
)

// GetVersion returns the version of quotaguard.
// The link-time Version has priority over the module version from the build info.
func GetVersion() string {
	resolvedVersionOnce.Do(func() {
		resolvedVersion = Version
		if resolvedVersion == "" {
			if bi, ok := debug.ReadBuildInfo(); ok {
				resolvedVersion = extractVersion(bi, ModulePath)
			}
		}
		if resolvedVersion == "" {
			resolvedVersion = DevelVersion
		}
	})
	return resolvedVersion
}

// extractVersion looks for the module (or its /vN major version) among the main module and the dependencies.
func extractVersion(bi *debug.BuildInfo, modPath string) string {
	if bi == nil {
		return ""
	}
	re := regexp.MustCompile(`^` + regexp.QuoteMeta(modPath) + `(/v[0-9]+)?$`)
	if re.MatchString(bi.Main.Path) && bi.Main.Version != "" && bi.Main.Version != DevelVersion {
		return bi.Main.Version
	}
	for _, dep := range bi.Deps {
		if re.MatchString(dep.Path) {
			return dep.Version
		}
	}
	return ""
}

// NewBuildInfoGauge creates a gauge that is always 1 and carries the version labels.
func NewBuildInfoGauge(namespace string) prometheus.Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "build_info",
		Help:      "A metric with a constant '1' value labeled by version and Go version the binary was built with.",
		ConstLabels: prometheus.Labels{
			"version":    GetVersion(),
			"go_version": runtime.Version(),
		},
	})
	g.Set(1)
	return g
}
