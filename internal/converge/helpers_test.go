package converge

import (
	"testing"
	"time"

	"converge/internal/adapter/fake"
	"converge/internal/logging"
	"converge/internal/spec"

	"github.com/cenkalti/backoff/v4"
)

const (
	nginxOld = "nginx:1.27"
	nginxNew = "nginx:1.28"
)

func newEngine(t *testing.T) *fake.Engine {
	t.Helper()
	e := fake.NewEngine()
	for _, ref := range []string{nginxOld, nginxNew, "redis:7", "postgres:16"} {
		e.PublishImage(ref, fake.ImageID(ref))
	}
	return e
}

func testOptions() Options {
	clk := fake.NewClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	clk.SetStep(time.Millisecond)
	return Options{
		Parallelism:   1,
		EngineTimeout: time.Second,
		RetryLimit:    2,
		StopTimeout:   time.Second,
		RunID:         "run-test",
		Clock:         clk.Now,
		Logger:        logging.Discard(),
		BackOff:       func() backoff.BackOff { return &backoff.ZeroBackOff{} },
	}
}

func webSpec() spec.DesiredSpec {
	return spec.DesiredSpec{
		Name:          "web",
		Image:         nginxOld,
		Env:           map[string]string{"MODE": "prod", "LOG": "info"},
		Ports:         []spec.PortBinding{{HostPort: 8080, ContainerPort: 80}},
		Volumes:       []spec.VolumeMount{{Source: "web-data", Target: "/data"}},
		RestartPolicy: spec.RestartAlways,
	}
}

func named(name, image string) spec.DesiredSpec {
	return spec.DesiredSpec{Name: name, Image: image}
}

func actionKinds(r BatchResult) []ActionKind {
	out := make([]ActionKind, len(r.Outcomes))
	for i, o := range r.Outcomes {
		out[i] = o.Action.Kind
	}
	return out
}
