package node

import (
	"context"

	"github.com/apex/log"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/pkg/errors"
)

const (
	DefaultImage = "frr:v4"

	// ContainerLabel marks the containers created for nodes.
	ContainerLabel = "netemu"
)

// ContainerRuntime creates and removes the docker containers backing
// container nodes. Containers start without networking; their interfaces
// are moved in by links.
type ContainerRuntime struct {
	dClient *client.Client
}

func NewContainerRuntime() (*ContainerRuntime, error) {
	dClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, errors.Wrap(err, "error creating docker client")
	}
	return &ContainerRuntime{dClient: dClient}, nil
}

// Start creates and starts a container called name and returns the pid
// of its init process, whose network namespace is the node's.
func (cr *ContainerRuntime) Start(ctx context.Context, name, image string) (int, error) {
	if image == "" {
		image = DefaultImage
	}
	sysctls := map[string]string{
		"net.ipv4.ip_forward":          "1",
		"net.ipv6.conf.all.forwarding": "1",
	}
	_, err := cr.dClient.ContainerCreate(ctx, &container.Config{
		Image:           image,
		Hostname:        name,
		NetworkDisabled: true,
		User:            "root",
		Tty:             true,
		OpenStdin:       true,
		Labels:          map[string]string{ContainerLabel: name},
	}, &container.HostConfig{
		Privileged: true,
		Binds:      []string{},
		Sysctls:    sysctls,
	}, nil, nil, name)
	if err != nil {
		return 0, errors.Wrapf(err, "error creating container %s", name)
	}

	if err = cr.dClient.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
		return 0, errors.Wrapf(err, "error starting container %s", name)
	}

	res, err := cr.dClient.ContainerInspect(ctx, name)
	if err != nil {
		return 0, errors.Wrapf(err, "error inspecting container %s", name)
	}
	if res.State == nil || res.State.Pid == 0 {
		return 0, errors.Errorf("container %s is not running", name)
	}
	log.WithField("node", name).Debugf("container %s running, pid %d", image, res.State.Pid)
	return res.State.Pid, nil
}

// Remove force-removes the container called name.
func (cr *ContainerRuntime) Remove(ctx context.Context, name string) error {
	err := cr.dClient.ContainerRemove(ctx, name, container.RemoveOptions{Force: true})
	if err != nil {
		return errors.Wrapf(err, "error removing container %s", name)
	}
	return nil
}

// RemoveAll removes every container carrying ContainerLabel and returns
// how many were removed.
func (cr *ContainerRuntime) RemoveAll(ctx context.Context) (int, error) {
	list, err := cr.dClient.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", ContainerLabel)),
	})
	if err != nil {
		return 0, errors.Wrap(err, "error listing containers")
	}
	removed := 0
	for _, c := range list {
		if err := cr.dClient.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil {
			log.WithError(err).Warnf("cannot remove container %s", c.ID)
			continue
		}
		removed++
	}
	return removed, nil
}
