package adapter

import (
	"context"
	"os/exec"
	"strings"
	"time"
)

// probeTimeout bounds the version probe so a wedged CLI cannot stall
// discovery.
const probeTimeout = 10 * time.Second

// lookPath and runVersion are indirections for tests.
var (
	lookPath   = exec.LookPath
	runVersion = func(ctx context.Context, binary string, args ...string) (string, error) {
		out, err := exec.CommandContext(ctx, binary, args...).CombinedOutput()
		return string(out), err
	}
)

// Probe locates the binary on PATH and asks it for its version. A missing
// binary or failed probe yields an unhealthy status; it never returns an
// error because discovery reports unhealthy adapters instead of aborting.
func Probe(ctx context.Context, binary string, versionArgs ...string) HealthStatus {
	path, err := lookPath(binary)
	if err != nil {
		return HealthStatus{Healthy: false, Error: binary + " not found on PATH"}
	}

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	out, err := runVersion(ctx, path, versionArgs...)
	if err != nil {
		return HealthStatus{Healthy: false, CLIPath: path, Error: strings.TrimSpace(out + " " + err.Error())}
	}
	return HealthStatus{
		Healthy: true,
		CLIPath: path,
		Version: firstLine(out),
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
