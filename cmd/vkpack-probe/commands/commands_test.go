package commands

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type probeReport struct {
	Resources []struct {
		Name       string
		Type       string
		Kind       string
		MemoryType int
		Bytes      int
		Verified   bool
		Layout     string
	}
	Repository struct {
		Generations int
		Blocks      int
	}
	Transfers struct {
		Failed        int
		BytesUploaded int
		BytesRead     int
		Queue         string
	}
}

func runCommand(t *testing.T, args ...string) (string, error) {
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)

	err := cmd.Execute()
	return out.String(), err
}

func TestProbeCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testManifest), 0o600))

	out, err := runCommand(t, "--fake", "probe", "--manifest", path)
	require.NoError(t, err)

	var report probeReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))

	require.Len(t, report.Resources, 4)
	names := make([]string, 0, len(report.Resources))
	for _, resource := range report.Resources {
		require.True(t, resource.Verified, "resource %s did not verify", resource.Name)
		names = append(names, resource.Name)
	}
	require.ElementsMatch(t, []string{"vertices", "uniforms", "texture", "readback"}, names)

	for _, resource := range report.Resources {
		switch resource.Name {
		case "texture":
			require.Equal(t, "Image", resource.Type)
			require.Equal(t, 8*8*4, resource.Bytes)
			require.Equal(t, "ShaderReadOnlyOptimal", resource.Layout)
		case "vertices":
			require.Equal(t, 0, resource.MemoryType)
		case "readback":
			require.Equal(t, 2, resource.MemoryType)
		}
	}

	require.Equal(t, 1, report.Repository.Generations)
	require.Equal(t, 4, report.Repository.Blocks)
	require.Equal(t, 0, report.Transfers.Failed)
	require.Equal(t, "Transfer", report.Transfers.Queue)

	total := 0
	for _, resource := range report.Resources {
		total += resource.Bytes
	}
	require.Equal(t, total, report.Transfers.BytesUploaded)
	require.Equal(t, total, report.Transfers.BytesRead)
}

func TestProbeCommandErrors(t *testing.T) {
	_, err := runCommand(t, "--fake", "probe")
	require.Error(t, err)

	_, err = runCommand(t, "--fake", "probe", "--manifest", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "manifest.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testManifest), 0o600))
	_, err = runCommand(t, "--fake", "--fake-memory", "unified", "probe", "--manifest", path)
	require.Error(t, err)
}

func TestTypesCommand(t *testing.T) {
	out, err := runCommand(t, "--fake", "types")
	require.NoError(t, err)

	require.Contains(t, out, "type 3: heap 2 (16777216 bytes)")
	require.Contains(t, out, "HostVisible: type 1")
	require.Contains(t, out, "HostCached: type 2")
	require.Contains(t, out, "DeviceLocal: type 0")
	require.Contains(t, out, "Staging: type 1")
	require.Contains(t, out, "BufferImageGranularity: 1024")

	out, err = runCommand(t, "--fake", "--fake-memory", "integrated", "types")
	require.NoError(t, err)
	require.Contains(t, out, "HostCached: type 1")
	require.Contains(t, out, "DeviceLocal: type 0")
}

func TestPattern(t *testing.T) {
	require.Len(t, pattern(3, 0), 0)
	require.Equal(t, pattern(1, 512), pattern(1, 512))
	require.NotEqual(t, pattern(1, 512), pattern(2, 512))
}

func TestConfigAndEnvironment(t *testing.T) {
	config := filepath.Join(t.TempDir(), "vkpack.yaml")
	require.NoError(t, os.WriteFile(config, []byte("fake: true\nfake-memory: discrete\n"), 0o600))

	out, err := runCommand(t, "--config", config, "types")
	require.NoError(t, err)
	require.Contains(t, out, "HostCached: type 2")

	t.Setenv("VKPACK_FAKE_MEMORY", "integrated")
	out, err = runCommand(t, "--config", config, "types")
	require.NoError(t, err)
	require.Contains(t, out, "HostCached: type 1")

	// Command line flags win over the environment
	out, err = runCommand(t, "--config", config, "--fake-memory", "discrete", "types")
	require.NoError(t, err)
	require.Contains(t, out, "HostCached: type 2")

	_, err = runCommand(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"), "types")
	require.Error(t, err)
}
