package supervisor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// DockerRuntime runs the workload as a named container through the docker
// CLI. The container image tag is the workload version.
type DockerRuntime struct {
	Binary    string
	Container string
	Image     string
	RunArgs   []string
}

func (d *DockerRuntime) docker(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, d.Binary, args...) // #nosec G204 - binary and args come from config
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", &dockerError{args: args, msg: msg, err: err}
	}
	return strings.TrimSpace(stdout.String()), nil
}

type dockerError struct {
	args []string
	msg  string
	err  error
}

func (e *dockerError) Error() string {
	return fmt.Sprintf("docker %s: %s", strings.Join(e.args, " "), e.msg)
}

func (e *dockerError) Unwrap() error { return e.err }

// noSuchContainer reports whether docker itself ran and rejected the
// container name. Failures to execute the binary never qualify.
func (e *dockerError) noSuchContainer() bool {
	var exitErr *exec.ExitError
	if !errors.As(e.err, &exitErr) {
		return false
	}
	return strings.Contains(e.msg, "No such container") || strings.Contains(e.msg, "No such object")
}

func isNoSuchContainer(err error) bool {
	var de *dockerError
	return errors.As(err, &de) && de.noSuchContainer()
}

// IsRunning reports whether the container exists and is running.
func (d *DockerRuntime) IsRunning(ctx context.Context) (bool, error) {
	out, err := d.docker(ctx, "inspect", "--format", "{{.State.Running}}", d.Container)
	if isNoSuchContainer(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return out == "true", nil
}

// RunningVersion returns the image tag of the container.
func (d *DockerRuntime) RunningVersion(ctx context.Context) (string, error) {
	out, err := d.docker(ctx, "inspect", "--format", "{{.Config.Image}}", d.Container)
	if err != nil {
		return "", err
	}
	return imageTag(out), nil
}

// Start runs version detached. A container with the workload name must
// have been removed with Stop first.
func (d *DockerRuntime) Start(ctx context.Context, version string) error {
	args := []string{"run", "--detach", "--name", d.Container}
	args = append(args, d.RunArgs...)
	args = append(args, d.Image+":"+version)
	_, err := d.docker(ctx, args...)
	return err
}

// Stop force-removes the container. A missing container is not an error.
func (d *DockerRuntime) Stop(ctx context.Context) error {
	_, err := d.docker(ctx, "rm", "--force", d.Container)
	if isNoSuchContainer(err) {
		return nil
	}
	return err
}

// imageTag returns the tag of an image reference, ignoring registry ports
// and digests.
func imageTag(ref string) string {
	if i := strings.Index(ref, "@"); i >= 0 {
		ref = ref[:i]
	}
	slash := strings.LastIndex(ref, "/")
	colon := strings.LastIndex(ref, ":")
	if colon > slash {
		return ref[colon+1:]
	}
	return "latest"
}
