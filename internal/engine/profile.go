package engine

import (
	"fmt"
	"strconv"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
)

const (
	// CPUPeriod is the CFS period in microseconds; the quota is
	// CPU cores × CPUPeriod.
	CPUPeriod = 100000
	// PidsLimit caps processes per container to contain fork bombs.
	PidsLimit = 256

	LabelBotID     = "bothost.bot_id"
	LabelManagedBy = "bothost.managed_by"
	LabelRole      = "bothost.role"
	managedBy      = "bothost"

	logMaxSize  = "10m"
	logMaxFiles = "3"
)

// SecurityProfile returns the host configuration applied to every container
// the engine creates. The only host path visible inside the container is
// hostDir, mounted read-write at workDir.
func SecurityProfile(limits Limits, hostDir, workDir string) *container.HostConfig {
	pids := int64(PidsLimit)
	return &container.HostConfig{
		Privileged:  false,
		CapDrop:     []string{"ALL"},
		SecurityOpt: []string{"no-new-privileges:true"},
		NetworkMode: "bridge",
		AutoRemove:  false,
		RestartPolicy: container.RestartPolicy{
			Name: container.RestartPolicyDisabled,
		},
		LogConfig: container.LogConfig{
			Type: "json-file",
			Config: map[string]string{
				"max-size": logMaxSize,
				"max-file": logMaxFiles,
			},
		},
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: hostDir,
				Target: workDir,
			},
		},
		Resources: container.Resources{
			CPUPeriod:  CPUPeriod,
			CPUQuota:   int64(limits.CPU * CPUPeriod),
			Memory:     limits.MemoryBytes,
			MemorySwap: limits.MemoryBytes,
			PidsLimit:  &pids,
		},
	}
}

func labels(botID uint, role string) map[string]string {
	return map[string]string{
		LabelBotID:     strconv.FormatUint(uint64(botID), 10),
		LabelManagedBy: managedBy,
		LabelRole:      role,
	}
}

// botImage is the image a successful build is committed to.
func botImage(botID uint) string {
	return fmt.Sprintf("bothost/bot-%d:latest", botID)
}
