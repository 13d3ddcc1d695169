// Package mosaic renders the linmos configuration for a file map.
package mosaic

import (
	"bytes"
	"embed"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/animus-labs/cubemosaic/internal/domain"
	"github.com/animus-labs/cubemosaic/internal/filemap"
	"github.com/animus-labs/cubemosaic/internal/platform/fsutil"
)

const (
	component = "mosaic_config"

	// ConfigFileName is written into the output directory.
	ConfigFileName = "linmos.conf"

	defaultTemplate = "template/linmos.conf.tmpl"
)

//go:embed template/linmos.conf.tmpl
var templates embed.FS

// ConfigInput is everything the rendered config depends on.
type ConfigInput struct {
	Files        domain.FileMap
	OutputImage  string
	OutputWeight string
}

type Generator struct {
	tmpl *template.Template
}

var funcs = template.FuncMap{
	"join": func(items []string) string { return strings.Join(items, ", ") },
}

// NewGenerator loads templatePath, or the embedded linmos parset when the path
// is empty.
func NewGenerator(templatePath string) (*Generator, error) {
	var (
		name = filepath.Base(defaultTemplate)
		src  []byte
		err  error
	)
	if strings.TrimSpace(templatePath) == "" {
		src, err = templates.ReadFile(defaultTemplate)
	} else {
		name = filepath.Base(templatePath)
		src, err = os.ReadFile(templatePath)
	}
	if err != nil {
		return nil, domain.NewError(domain.ErrTemplateRender, component, templatePath, err)
	}
	tmpl, err := template.New(name).Funcs(funcs).Option("missingkey=error").Parse(string(src))
	if err != nil {
		return nil, domain.NewError(domain.ErrTemplateRender, component, name, err)
	}
	return &Generator{tmpl: tmpl}, nil
}

type templateData struct {
	Images    []string
	Weights   []string
	ImageOut  string
	WeightOut string
	History   []string
}

// Render is pure: the same input always yields the same bytes.
func (g *Generator) Render(in ConfigInput) ([]byte, error) {
	if strings.TrimSpace(in.OutputImage) == "" || strings.TrimSpace(in.OutputWeight) == "" {
		return nil, domain.Errorf(domain.ErrTemplateRender, component, "", "output image and weight paths are required")
	}
	imageNames := filemap.SortedNames(in.Files.Images)
	weightNames := filemap.SortedNames(in.Files.Weights)

	data := templateData{
		Images:    stemPaths(in.Files.Images, imageNames),
		Weights:   stemPaths(in.Files.Weights, weightNames),
		ImageOut:  stripExt(in.OutputImage),
		WeightOut: stripExt(in.OutputWeight),
		History:   append(append([]string{}, imageNames...), weightNames...),
	}
	var buf bytes.Buffer
	if err := g.tmpl.Execute(&buf, data); err != nil {
		return nil, domain.NewError(domain.ErrTemplateRender, component, g.tmpl.Name(), err)
	}
	if !bytes.HasSuffix(buf.Bytes(), []byte("\n")) {
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// Write renders and atomically replaces path.
func (g *Generator) Write(in ConfigInput, path string) error {
	out, err := g.Render(in)
	if err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(path, out, 0o644); err != nil {
		return domain.NewError(domain.ErrTemplateRender, component, path, err)
	}
	return nil
}

// OutputPaths names the mosaic image and weight cube inside dir.
func OutputPaths(dir, filename string) (image, weight string) {
	return filepath.Join(dir, filename), filepath.Join(dir, "weights."+filename)
}

func stemPaths(files map[string]string, names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		out = append(out, stripExt(files[n]))
	}
	return out
}

// stripExt drops only the final extension: cube.contsub.fits -> cube.contsub.
func stripExt(p string) string {
	return strings.TrimSuffix(p, filepath.Ext(p))
}
