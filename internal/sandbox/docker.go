package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"forgebuild/internal/config"
	"forgebuild/internal/logging"
)

const (
	workDirInContainer = "/app"
	maxOutputBytes     = 1 << 20 // 1 MiB per stream

	// Dependency installs run at image-build time, where the network is
	// still available; the program itself always runs with no network.
	imageBuildTimeout = 2 * time.Minute
	envImageRepo      = "forgebuild-env"
)

// DockerRunner executes requests in throwaway containers with no network
// and hard memory/CPU/pids ceilings. Projects with a requirements.txt get
// their dependencies baked into a content-addressed image first, so repeated
// fix cycles over the same dependency set reuse it.
type DockerRunner struct {
	client *client.Client
	cfg    config.AppConfig
	log    *zap.Logger

	mu     sync.Mutex
	images map[string]string // requirements digest -> image tag
}

// NewDockerRunner connects to the Docker daemon and verifies it answers.
func NewDockerRunner(cfg config.AppConfig) (*DockerRunner, error) {
	cli, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client init: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := cli.Ping(pingCtx); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("docker daemon unreachable: %w", err)
	}
	return &DockerRunner{
		client: cli,
		cfg:    cfg,
		log:    logging.L().Named("sandbox.docker"),
		images: make(map[string]string),
	}, nil
}

// Execute runs one request in a fresh container. The container is always
// force-removed, success or not.
func (d *DockerRunner) Execute(ctx context.Context, req Request) (*Result, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = d.cfg.SandboxTimeout
	}

	image := d.cfg.SandboxImage
	if req.InstallDeps {
		// An install failure must never block the run itself: the
		// program may not touch the missing dependency, and its own
		// import error is more useful evidence than a pip log.
		if tag, err := d.ensureEnvImage(ctx, req.WorkDir); err != nil {
			d.log.Warn("dependency image build failed, running on base image", zap.Error(err))
		} else {
			image = tag
		}
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	pidsLimit := int64(128)
	memoryBytes := d.cfg.SandboxMemoryMB * 1024 * 1024
	nanoCPUs := int64(d.cfg.SandboxCPUs * 1_000_000_000)

	hostCfg := &container.HostConfig{
		ReadonlyRootfs: false,
		SecurityOpt:    []string{"no-new-privileges:true"},
		CapDrop:        []string{"ALL"},
		NetworkMode:    "none",
		Mounts: []mount.Mount{{
			Type:   mount.TypeBind,
			Source: req.WorkDir,
			Target: workDirInContainer,
		}},
		Tmpfs: map[string]string{"/tmp": "rw,noexec,nosuid,size=64m"},
		Resources: container.Resources{
			Memory:     memoryBytes,
			MemorySwap: memoryBytes,
			NanoCPUs:   nanoCPUs,
			PidsLimit:  &pidsLimit,
		},
	}

	containerName := "forgebuild-run-" + uuid.New().String()[:12]
	created, err := d.client.ContainerCreate(execCtx, &container.Config{
		Image:           image,
		WorkingDir:      workDirInContainer,
		Cmd:             []string{"bash", "-c", req.Command},
		Env:             flattenEnv(req.Env),
		AttachStdout:    true,
		AttachStderr:    true,
		NetworkDisabled: true,
	}, hostCfg, &network.NetworkingConfig{}, nil, containerName)
	if err != nil {
		return nil, fmt.Errorf("container create: %w", err)
	}
	containerID := created.ID
	defer func() {
		_ = d.client.ContainerRemove(context.Background(), containerID, container.RemoveOptions{Force: true})
	}()

	started := time.Now()
	if err := d.client.ContainerStart(execCtx, containerID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("container start: %w", err)
	}

	res := &Result{Strategy: "docker"}
	waitCh, errCh := d.client.ContainerWait(execCtx, containerID, container.WaitConditionNotRunning)
	select {
	case <-execCtx.Done():
		_ = d.client.ContainerKill(context.Background(), containerID, "SIGKILL")
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			res.TimedOut = true
			res.ExitCode = 124
		} else {
			res.ExitCode = 137
		}
	case resp := <-waitCh:
		res.ExitCode = int(resp.StatusCode)
	case err := <-errCh:
		return nil, fmt.Errorf("container wait: %w", err)
	}

	stdout, stderr, logErr := d.readLogs(context.Background(), containerID)
	if logErr != nil {
		d.log.Warn("log read failed", zap.String("container", containerID[:12]), zap.Error(logErr))
	}
	res.Stdout = stdout
	res.Stderr = stderr
	res.Duration = time.Since(started)

	recordRun(res)
	return res, nil
}

// ensureEnvImage returns an image with the project's requirements.txt
// installed, building and caching it on first sight of that dependency set.
// Projects without requirements get the plain base image.
func (d *DockerRunner) ensureEnvImage(ctx context.Context, workDir string) (string, error) {
	reqs, err := os.ReadFile(filepath.Join(workDir, "requirements.txt"))
	if errors.Is(err, os.ErrNotExist) {
		return d.cfg.SandboxImage, nil
	}
	if err != nil {
		return "", err
	}
	if len(bytes.TrimSpace(reqs)) == 0 {
		return d.cfg.SandboxImage, nil
	}

	key := envImageKey(d.cfg.SandboxImage, reqs)
	d.mu.Lock()
	tag, ok := d.images[key]
	d.mu.Unlock()
	if ok {
		return tag, nil
	}

	tag = envImageRepo + ":" + key
	buildCtx, err := envBuildContext(d.cfg.SandboxImage, reqs)
	if err != nil {
		return "", err
	}

	buildTimeout, cancel := context.WithTimeout(ctx, imageBuildTimeout)
	defer cancel()
	d.log.Info("building dependency image", zap.String("tag", tag))
	resp, err := d.client.ImageBuild(buildTimeout, buildCtx, types.ImageBuildOptions{
		Tags:        []string{tag},
		Dockerfile:  "Dockerfile",
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return "", fmt.Errorf("image build: %w", err)
	}
	defer resp.Body.Close()
	if err := jsonmessage.DisplayJSONMessagesStream(resp.Body, io.Discard, 0, false, nil); err != nil {
		return "", fmt.Errorf("image build: %w", err)
	}

	d.mu.Lock()
	d.images[key] = tag
	d.mu.Unlock()
	return tag, nil
}

// envImageKey content-addresses a dependency set so identical requirements
// on the same base image share one environment.
func envImageKey(baseImage string, requirements []byte) string {
	h := sha256.New()
	h.Write([]byte(baseImage))
	h.Write([]byte{0})
	h.Write(requirements)
	return hex.EncodeToString(h.Sum(nil))[:12]
}

// envDockerfile installs the requirements at build time and tolerates a
// failed install so the run still happens.
func envDockerfile(baseImage string) string {
	return "FROM " + baseImage + "\n" +
		"COPY requirements.txt /tmp/requirements.txt\n" +
		"RUN pip install --no-cache-dir -q -r /tmp/requirements.txt" +
		" || echo 'dependency install failed, continuing without' >&2\n"
}

// envBuildContext packs the Dockerfile and requirements.txt into the tar
// stream the image build API expects.
func envBuildContext(baseImage string, requirements []byte) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	files := []struct {
		name string
		body []byte
	}{
		{"Dockerfile", []byte(envDockerfile(baseImage))},
		{"requirements.txt", requirements},
	}
	for _, f := range files {
		hdr := &tar.Header{
			Name: f.name,
			Mode: 0o644,
			Size: int64(len(f.body)),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, err
		}
		if _, err := tw.Write(f.body); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}

func (d *DockerRunner) readLogs(ctx context.Context, containerID string) (string, string, error) {
	rc, err := d.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return "", "", err
	}
	defer rc.Close()

	var stdout, stderr bytes.Buffer
	_, err = stdcopy.StdCopy(
		&limitedWriter{w: &stdout, limit: maxOutputBytes},
		&limitedWriter{w: &stderr, limit: maxOutputBytes},
		rc,
	)
	return stdout.String(), stderr.String(), err
}

// Close releases the SDK client.
func (d *DockerRunner) Close() error {
	return d.client.Close()
}

func (d *DockerRunner) Strategy() string { return "docker" }

func flattenEnv(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
