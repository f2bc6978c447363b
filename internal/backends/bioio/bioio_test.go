package bioio

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/bioflow-dev/bioflow/internal/capability"
	"github.com/bioflow-dev/bioflow/internal/dispatch"
)

// fakeReader for testing
type fakeReader struct {
	md  *Metadata
	err error
}

func (f *fakeReader) Open(_ context.Context, path, scene string) (*Metadata, error) {
	if f.err != nil {
		return nil, f.err
	}
	md := *f.md
	md.Path = path
	return &md, nil
}

func ptr(v float64) *float64 { return &v }

func TestExecuteFlattensMetadata(t *testing.T) {
	md := &Metadata{
		Order:        "TCZYX",
		Dims:         Dims{T: 10, C: 2, Z: 5, Y: 1024, X: 2048},
		ChannelNames: []string{"DAPI", "GFP"},
		PixelSizes:   PixelSizes{X: ptr(0.5), Y: ptr(0.5), Z: ptr(1.0)},
		Scenes:       []string{"0"},
	}
	b := New(&fakeReader{md: md}, 0)
	req := capability.NewRequest("meta", map[string]string{"path": "/img/cells.tiff"})

	payload, err := b.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	f := payload.Fields
	for key, want := range map[string]string{
		"file":       "/img/cells.tiff",
		"T":          "10",
		"C":          "2",
		"channels":   "DAPI,GFP",
		"px_x_um":    "0.500",
		"width_um":   "1024.000",
		"height_um":  "512.000",
		"area_um2":   "524288.000",
		"depth_um":   "5.000",
		"volume_um3": "2621440.000",
	} {
		if f[key] != want {
			t.Errorf("field %s: got %q want %q", key, f[key], want)
		}
	}
}

func TestExecuteNoPixelSizes(t *testing.T) {
	md := &Metadata{Dims: Dims{T: 1, C: 1, Z: 1, Y: 100, X: 100}}
	b := New(&fakeReader{md: md}, 0)
	payload, err := b.Execute(context.Background(), capability.NewRequest("meta", map[string]string{"path": "/x.nd2"}))
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	for _, derived := range []string{"px_x_um", "width_um", "area_um2"} {
		if _, ok := payload.Fields[derived]; ok {
			t.Errorf("field %s must be absent without pixel sizes", derived)
		}
	}
}

func TestExecuteUnreadableIsPermanent(t *testing.T) {
	b := New(&fakeReader{err: fmt.Errorf("%w: /nope.czi: no such file", ErrUnreadableFormat)}, 0)
	_, err := b.Execute(context.Background(), capability.NewRequest("meta", map[string]string{"path": "/nope.czi"}))
	if err == nil {
		t.Fatal("expected error")
	}
	if dispatch.Classify(err) != dispatch.KindPermanent {
		t.Errorf("unreadable format must classify permanent, got %s", dispatch.Classify(err))
	}
	if dispatch.ReasonOf(err) != dispatch.ReasonUnreadableFormat {
		t.Errorf("expected UnreadableFormat reason, got %q", dispatch.ReasonOf(err))
	}
	var be *dispatch.BackendError
	if !errors.As(err, &be) || be.Backend != "bioio" {
		t.Errorf("error must name the backend: %v", err)
	}
}

func TestExecuteOtherErrorIsTransient(t *testing.T) {
	b := New(&fakeReader{err: fmt.Errorf("helper crashed")}, 0)
	_, err := b.Execute(context.Background(), capability.NewRequest("meta", map[string]string{"path": "/x.tiff"}))
	if err == nil {
		t.Fatal("expected error")
	}
	if dispatch.Classify(err) != dispatch.KindTransient {
		t.Errorf("unclassified reader error should be transient, got %s", dispatch.Classify(err))
	}
}
