package vis

import (
	"fmt"
	"image"
	"image/color"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/app"
	"fyne.io/fyne/v2/canvas"
	"fyne.io/fyne/v2/container"
	"fyne.io/fyne/v2/widget"

	"deepspectral/internal/imageio"
	"deepspectral/internal/store"
)

const (
	imageAreaWidth  = 500
	imageAreaHeight = 400
)

// ViewerConfig names the artifacts the viewer browses.
type ViewerConfig struct {
	ImagesRoot  string
	SegmentDir  string
	ClusterFile string // optional; enables box outlines
	Alpha       float64
	NumLabels   int
}

// Viewer steps through the image list showing the photo next to its
// segmentation overlay.
type Viewer struct {
	cfg     ViewerConfig
	list    *store.ImageList
	segs    *store.SegmentationStore
	records map[string]store.ImageBoxes
	palette []color.RGBA

	index    int
	original *canvas.Image
	overlay  *canvas.Image
	title    *widget.Label
}

// NewViewer loads the cluster collection when configured and prepares
// the widget state.
func NewViewer(cfg ViewerConfig, list *store.ImageList) (*Viewer, error) {
	if cfg.Alpha <= 0 {
		cfg.Alpha = 0.5
	}
	if cfg.NumLabels <= 0 {
		cfg.NumLabels = 21
	}

	v := &Viewer{
		cfg:     cfg,
		list:    list,
		segs:    store.NewSegmentationStore(cfg.SegmentDir),
		palette: Palette(cfg.NumLabels),
	}

	if cfg.ClusterFile != "" {
		c, err := store.LoadBoxCollection(cfg.ClusterFile)
		if err != nil {
			return nil, err
		}
		v.records = make(map[string]store.ImageBoxes, len(c.Images))
		for _, rec := range c.Images {
			v.records[rec.ID] = rec
		}
	}
	return v, nil
}

// Show opens the viewer window and blocks until it is closed.
func (v *Viewer) Show() error {
	a := app.New()
	w := a.NewWindow("deepspectral viewer")

	v.original = canvas.NewImageFromImage(nil)
	v.original.FillMode = canvas.ImageFillContain
	v.original.ScaleMode = canvas.ImageScaleSmooth
	v.original.SetMinSize(fyne.NewSize(imageAreaWidth, imageAreaHeight))

	v.overlay = canvas.NewImageFromImage(nil)
	v.overlay.FillMode = canvas.ImageFillContain
	v.overlay.ScaleMode = canvas.ImageScaleSmooth
	v.overlay.SetMinSize(fyne.NewSize(imageAreaWidth, imageAreaHeight))

	v.title = widget.NewLabel("")

	prev := widget.NewButton("Previous", func() { v.step(-1) })
	next := widget.NewButton("Next", func() { v.step(1) })

	split := container.NewHSplit(
		container.NewBorder(widget.NewRichTextFromMarkdown("**Image**"), nil, nil, nil, v.original),
		container.NewBorder(widget.NewRichTextFromMarkdown("**Segmentation**"), nil, nil, nil, v.overlay),
	)
	split.SetOffset(0.5)

	w.SetContent(container.NewBorder(
		v.title,
		container.NewHBox(prev, next),
		nil, nil,
		split,
	))

	if err := v.load(); err != nil {
		return err
	}
	w.ShowAndRun()
	return nil
}

func (v *Viewer) step(delta int) {
	n := v.list.Len()
	v.index = ((v.index+delta)%n + n) % n
	if err := v.load(); err != nil {
		v.title.SetText(err.Error())
	}
}

func (v *Viewer) load() error {
	id := v.list.IDs()[v.index]

	img, err := imageio.Load(v.cfg.ImagesRoot, id)
	if err != nil {
		return err
	}
	labels, err := v.segs.Load(id)
	if err != nil {
		return err
	}

	out := Overlay(img, labels, v.palette, v.cfg.Alpha)
	if rec, ok := v.records[id]; ok {
		DrawBoxes(out, rec, v.palette)
	}

	v.original.Image = img
	v.original.Refresh()
	v.overlay.Image = image.Image(out)
	v.overlay.Refresh()
	v.title.SetText(fmt.Sprintf("%s (%d/%d)", id, v.index+1, v.list.Len()))
	return nil
}
