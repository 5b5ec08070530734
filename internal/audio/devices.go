package audio

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Device is a capture device reported by the platform tools.
type Device struct {
	ID          string
	Description string
}

// ListDevices asks the backend's tooling for the available capture devices.
func ListDevices(ctx context.Context, backend string) ([]Device, error) {
	var (
		name  string
		args  []string
		parse func([]byte) []Device
	)
	switch backend {
	case "arecord":
		name, args, parse = "arecord", []string{"-L"}, parseArecordList
	case "pw-record":
		name, args, parse = "pw-cli", []string{"list-objects", "Node"}, parsePipeWireNodes
	default:
		return nil, fmt.Errorf("backend %q cannot list devices", backend)
	}

	path, err := exec.LookPath(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %s not found", ErrDeviceUnavailable, name)
	}
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s failed: %w: %s", name, err, strings.TrimSpace(stderr.String()))
	}
	return parse(stdout.Bytes()), nil
}

// parseArecordList reads `arecord -L` output: a device id at column zero
// followed by indented description lines.
func parseArecordList(out []byte) []Device {
	var devices []Device
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		if line[0] != ' ' && line[0] != '\t' {
			devices = append(devices, Device{ID: strings.TrimSpace(line)})
			continue
		}
		if n := len(devices); n > 0 {
			desc := strings.TrimSpace(line)
			if devices[n-1].Description == "" {
				devices[n-1].Description = desc
			} else {
				devices[n-1].Description += ", " + desc
			}
		}
	}
	return devices
}

// parsePipeWireNodes extracts audio source nodes from `pw-cli list-objects Node`.
func parsePipeWireNodes(out []byte) []Device {
	var (
		devices []Device
		cur     Device
		source  bool
	)
	flush := func() {
		if cur.ID != "" && source {
			devices = append(devices, cur)
		}
		cur, source = Device{}, false
	}

	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.HasPrefix(line, "id "):
			flush()
		case strings.HasPrefix(line, "node.name"):
			cur.ID = quotedValue(line)
		case strings.HasPrefix(line, "node.description"):
			cur.Description = quotedValue(line)
		case strings.HasPrefix(line, "media.class"):
			source = strings.Contains(quotedValue(line), "Audio/Source")
		}
	}
	flush()
	return devices
}

func quotedValue(line string) string {
	_, v, ok := strings.Cut(line, "=")
	if !ok {
		return ""
	}
	return strings.Trim(strings.TrimSpace(v), `"`)
}
