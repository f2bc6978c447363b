// Package bioio provides the microscopy metadata backend. Decoding of
// OME-TIFF/ND2/CZI/LIF content is delegated to the bioio-info helper
// executable, which emits one JSON metadata document per file.
package bioio

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/bioflow-dev/bioflow/internal/capability"
	"github.com/bioflow-dev/bioflow/internal/dispatch"
)

// ErrUnreadableFormat reports content the helper could not decode.
var ErrUnreadableFormat = errors.New("unreadable microscopy format")

// Dims are the image dimensions in TCZYX order.
type Dims struct {
	T int `json:"t"`
	C int `json:"c"`
	Z int `json:"z"`
	Y int `json:"y"`
	X int `json:"x"`
}

// PixelSizes are physical pixel sizes in micrometers; nil means the file's
// metadata does not carry the value.
type PixelSizes struct {
	X *float64 `json:"x"`
	Y *float64 `json:"y"`
	Z *float64 `json:"z"`
}

// Metadata is the decoded description of one microscopy file.
type Metadata struct {
	Path         string     `json:"path"`
	Order        string     `json:"order"`
	Dims         Dims       `json:"dims"`
	ChannelNames []string   `json:"channel_names"`
	PixelSizes   PixelSizes `json:"pixel_sizes_um"`
	Scenes       []string   `json:"scenes"`
	CurrentScene string     `json:"current_scene"`
}

// Reader opens a microscopy file and returns its metadata.
type Reader interface {
	Open(ctx context.Context, path, scene string) (*Metadata, error)
}

// CLIReader shells out to the bioio-info helper.
type CLIReader struct {
	Binary string
}

func (r *CLIReader) binary() string {
	if r.Binary != "" {
		return r.Binary
	}
	return "bioio-info"
}

// Open runs the helper and decodes its JSON output. A non-zero exit is
// treated as an unreadable format.
func (r *CLIReader) Open(ctx context.Context, path, scene string) (*Metadata, error) {
	args := []string{"--json", path}
	if scene != "" {
		args = append(args, "--scene", scene)
	}
	cmd := exec.CommandContext(ctx, r.binary(), args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, fmt.Errorf("%w: %s: %s", ErrUnreadableFormat, path, msg)
	}
	var md Metadata
	if err := json.Unmarshal(stdout.Bytes(), &md); err != nil {
		return nil, fmt.Errorf("%w: %s: bad helper output: %v", ErrUnreadableFormat, path, err)
	}
	md.Path = path
	return &md, nil
}

// Backend adapts a Reader to the capability backend contract.
type Backend struct {
	Reader Reader
	// SuspiciousTimepoints triggers a log warning on unusually long series.
	SuspiciousTimepoints int
}

func New(reader Reader, suspiciousTimepoints int) *Backend {
	return &Backend{Reader: reader, SuspiciousTimepoints: suspiciousTimepoints}
}

func (b *Backend) Name() string { return "bioio" }

func (b *Backend) Ready(ctx context.Context) error {
	bin := "bioio-info"
	if r, ok := b.Reader.(*CLIReader); ok {
		bin = r.binary()
	}
	if _, err := exec.LookPath(bin); err != nil {
		return fmt.Errorf("metadata helper %s not on PATH", bin)
	}
	return nil
}

func (b *Backend) CostRank() int     { return 1 }
func (b *Backend) MaxInputSize() int { return 0 }
func (b *Backend) Exclusive() bool   { return false }

// Execute reads metadata for the request's path parameter. Undecodable
// content is a permanent failure: no other backend can read what the
// decoder suite rejects.
func (b *Backend) Execute(ctx context.Context, req *capability.Request) (*capability.Payload, error) {
	md, err := b.Reader.Open(ctx, req.Params["path"], req.Params["scene"])
	if err != nil {
		if errors.Is(err, ErrUnreadableFormat) {
			return nil, dispatch.Permanent(b.Name(), dispatch.ReasonUnreadableFormat, err)
		}
		return nil, dispatch.Transient(b.Name(), "", err)
	}
	if b.SuspiciousTimepoints > 0 && md.Dims.T > b.SuspiciousTimepoints {
		log.Warn().
			Str("path", md.Path).
			Int("timepoints", md.Dims.T).
			Msg("unusually high timepoint count")
	}
	if len(md.ChannelNames) == 0 {
		log.Warn().Str("path", md.Path).Msg("metadata carries no channel names")
	}
	if md.Dims.X == 0 || md.Dims.Y == 0 {
		log.Warn().Str("path", md.Path).Msg("metadata reports zero spatial dimensions")
	}
	return &capability.Payload{Fields: fields(md)}, nil
}

// fields flattens metadata into comparable report columns, including the
// derived physical dimensions when pixel sizes are present.
func fields(md *Metadata) map[string]string {
	f := map[string]string{
		"file":     md.Path,
		"order":    md.Order,
		"T":        strconv.Itoa(md.Dims.T),
		"C":        strconv.Itoa(md.Dims.C),
		"Z":        strconv.Itoa(md.Dims.Z),
		"Y":        strconv.Itoa(md.Dims.Y),
		"X":        strconv.Itoa(md.Dims.X),
		"channels": strings.Join(md.ChannelNames, ","),
		"scenes":   strconv.Itoa(len(md.Scenes)),
	}
	if md.CurrentScene != "" {
		f["scene"] = md.CurrentScene
	}
	if md.PixelSizes.X != nil {
		f["px_x_um"] = formatUM(*md.PixelSizes.X)
	}
	if md.PixelSizes.Y != nil {
		f["px_y_um"] = formatUM(*md.PixelSizes.Y)
	}
	if md.PixelSizes.Z != nil {
		f["px_z_um"] = formatUM(*md.PixelSizes.Z)
	}
	if md.PixelSizes.X != nil && md.PixelSizes.Y != nil {
		width := float64(md.Dims.X) * *md.PixelSizes.X
		height := float64(md.Dims.Y) * *md.PixelSizes.Y
		f["width_um"] = formatUM(width)
		f["height_um"] = formatUM(height)
		f["area_um2"] = formatUM(width * height)
		if md.PixelSizes.Z != nil && md.Dims.Z > 1 {
			depth := float64(md.Dims.Z) * *md.PixelSizes.Z
			f["depth_um"] = formatUM(depth)
			f["volume_um3"] = formatUM(width * height * depth)
		}
	}
	return f
}

func formatUM(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}
