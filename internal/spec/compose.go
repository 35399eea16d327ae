package spec

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"strings"

	"github.com/compose-spec/compose-go/v2/loader"
	compose "github.com/compose-spec/compose-go/v2/types"
)

const composeSpecFilename = "compose.yaml"

// LoadCompose converts the services of a Docker Compose document into
// desired specs, one container per service. Services are returned sorted by
// name; container_name wins over the service name when set.
func LoadCompose(ctx context.Context, data []byte, project string) ([]DesiredSpec, error) {
	configDetails := compose.ConfigDetails{
		ConfigFiles: []compose.ConfigFile{
			{Filename: composeSpecFilename, Content: data},
		},
	}

	p, err := loader.LoadWithContext(ctx, configDetails, func(o *loader.Options) {
		if trimmed := strings.TrimSpace(project); trimmed != "" {
			o.SetProjectName(trimmed, true)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("%w: parse compose spec: %v", ErrInvalidSpec, err)
	}
	if len(p.Services) == 0 {
		return nil, fmt.Errorf("%w: compose spec has no services", ErrInvalidSpec)
	}

	names := make([]string, 0, len(p.Services))
	for name := range p.Services {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]DesiredSpec, 0, len(names))
	var errs []error
	for _, name := range names {
		s := fromComposeService(p.Services[name])
		if err := Validate(s); err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, s)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

func fromComposeService(svc compose.ServiceConfig) DesiredSpec {
	name := svc.Name
	if cn := strings.TrimSpace(svc.ContainerName); cn != "" {
		name = cn
	}
	s := DesiredSpec{
		Name:          name,
		Image:         svc.Image,
		Command:       slices.Clone([]string(svc.Command)),
		RestartPolicy: composeRestartPolicy(svc),
		Labels:        map[string]string(svc.Labels),
	}

	if len(svc.Environment) > 0 {
		s.Env = make(map[string]string, len(svc.Environment))
		for k, v := range svc.Environment {
			value := ""
			if v != nil {
				value = *v
			}
			s.Env[k] = value
		}
	}

	for _, p := range svc.Ports {
		var hostPort uint64
		if published := strings.TrimSpace(p.Published); published != "" {
			hostPort, _ = strconv.ParseUint(published, 10, 16)
		}
		containerPort := uint16(0)
		if p.Target <= uint32(^uint16(0)) {
			containerPort = uint16(p.Target)
		}
		s.Ports = append(s.Ports, PortBinding{
			HostIP:        p.HostIP,
			HostPort:      uint16(hostPort),
			ContainerPort: containerPort,
			Protocol:      strings.ToLower(strings.TrimSpace(p.Protocol)),
		})
	}

	for _, v := range svc.Volumes {
		if strings.TrimSpace(v.Target) == "" || strings.TrimSpace(v.Source) == "" {
			continue
		}
		mode := ModeReadWrite
		if v.ReadOnly {
			mode = ModeReadOnly
		}
		s.Volumes = append(s.Volumes, VolumeMount{Source: v.Source, Target: v.Target, Mode: mode})
	}

	for network := range svc.Networks {
		s.Networks = append(s.Networks, network)
	}
	sort.Strings(s.Networks)

	if svc.Deploy != nil && svc.Deploy.Resources.Limits != nil {
		limits := svc.Deploy.Resources.Limits
		r := &Resources{
			CPUs:        float64(limits.NanoCPUs.Value()),
			MemoryBytes: int64(limits.MemoryBytes),
		}
		if r.CPUs != 0 || r.MemoryBytes != 0 {
			s.Resources = r
		}
	}
	return s
}

func composeRestartPolicy(svc compose.ServiceConfig) RestartPolicy {
	restart := strings.TrimSpace(svc.Restart)
	if restart == "" && svc.Deploy != nil && svc.Deploy.RestartPolicy != nil {
		restart = strings.TrimSpace(svc.Deploy.RestartPolicy.Condition)
	}
	switch restart {
	case "", "no", "none":
		return ""
	case "any":
		return RestartAlways
	default:
		return RestartPolicy(restart)
	}
}
