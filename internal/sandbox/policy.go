package sandbox

import (
	"fmt"
	"strconv"
	"time"

	"github.com/docker/go-units"

	"github.com/michaelbrown/coderun/internal/config"
)

// Policy defines isolation and resource limits for a sandbox.
type Policy struct {
	MemoryBytes   int64   // hard memory limit, swap disabled
	CPUs          float64 // fractional CPUs
	PidsLimit     int64
	Network       bool   // whether network access is allowed
	User          string // user inside the sandbox, image default when empty
	MountPath     string // where the workspace is mounted read-only
	TmpfsBytes    int64  // size of the writable /tmp
	LaunchTimeout time.Duration
}

// DefaultPolicy returns safe defaults for code execution.
func DefaultPolicy() Policy {
	return Policy{
		MemoryBytes:   256 * units.MiB,
		CPUs:          1,
		PidsLimit:     64,
		Network:       false,
		MountPath:     "/workspace",
		TmpfsBytes:    64 * units.MiB,
		LaunchTimeout: 15 * time.Second,
	}
}

// PolicyFromConfig builds a policy from the sandbox section of cfg.
func PolicyFromConfig(cfg *config.Config) (Policy, error) {
	mem, err := cfg.MemoryBytes()
	if err != nil {
		return Policy{}, fmt.Errorf("parsing memory limit: %w", err)
	}

	p := DefaultPolicy()
	p.MemoryBytes = mem
	p.CPUs = cfg.Sandbox.CPUs
	p.PidsLimit = cfg.Sandbox.PidsLimit
	p.Network = cfg.Sandbox.Network
	p.User = cfg.Sandbox.User
	p.MountPath = cfg.Sandbox.MountPath
	p.LaunchTimeout = cfg.Sandbox.LaunchTimeout
	return p, nil
}

// runArgs renders the policy as docker create flags.
func (p Policy) runArgs() []string {
	var args []string

	if !p.Network {
		args = append(args, "--network", "none")
	}
	if p.MemoryBytes > 0 {
		mem := strconv.FormatInt(p.MemoryBytes, 10)
		args = append(args, "--memory", mem, "--memory-swap", mem)
	}
	if p.CPUs > 0 {
		args = append(args, "--cpus", strconv.FormatFloat(p.CPUs, 'f', -1, 64))
	}
	if p.PidsLimit > 0 {
		args = append(args, "--pids-limit", strconv.FormatInt(p.PidsLimit, 10))
	}
	if p.User != "" {
		args = append(args, "--user", p.User)
	}

	args = append(args,
		"--read-only",
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
		"--tmpfs", p.tmpfsOptions(),
	)
	return args
}

func (p Policy) tmpfsOptions() string {
	return "/tmp:rw,nosuid,size=" + strconv.FormatInt(p.TmpfsBytes, 10)
}
