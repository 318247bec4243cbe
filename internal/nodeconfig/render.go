package nodeconfig

import (
	"embed"
	"fmt"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/narvanalabs/searchnode/internal/env"
	"github.com/narvanalabs/searchnode/internal/models"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

// Rolling file appender bounds.
const (
	LogSegmentSize = "128MB"
	LogRetention   = "2GB"
)

var templates = template.Must(
	template.New("nodeconfig").Funcs(templateFuncs()).ParseFS(templateFS, "templates/*.tmpl"),
)

// templateFuncs returns custom template functions.
func templateFuncs() template.FuncMap {
	return template.FuncMap{
		"shellQuote": shellQuote,
	}
}

// shellQuote wraps s in single quotes for POSIX shells.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// templateData contains data passed to artifact templates.
type templateData struct {
	Name         string
	Cluster      string
	HeapSize     string
	LogsPath     string
	SegmentSize  string
	Retention    string
	InstallRoot  string
	ConfigDir    string
	ScriptPath   string
	RuntimeHome  string
	ServiceUser  string
	EngineBinary string
}

func render(name string, data templateData) (string, error) {
	var buf strings.Builder
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("rendering %s: %w", name, err)
	}
	return buf.String(), nil
}

// RenderHeapOptions renders the heap options file with equal minimum and
// maximum heap flags.
func RenderHeapOptions(name, heapSize string) (string, error) {
	return render("heap.options.tmpl", templateData{Name: name, HeapSize: heapSize})
}

// RenderLoggingConfig renders the logging configuration: console and
// size/time rolled file appenders plus the slow-operation loggers.
func RenderLoggingConfig(n *models.Node) (string, error) {
	return render("logging.conf.tmpl", templateData{
		Name:        n.Name,
		Cluster:     n.Cluster,
		LogsPath:    filepath.ToSlash(n.LogsPath),
		SegmentSize: LogSegmentSize,
		Retention:   LogRetention,
	})
}

// RenderStartScript renders the platform launcher for a node.
func RenderStartScript(n *models.Node, e env.Environment) (string, error) {
	name := "start.sh.tmpl"
	binary := filepath.ToSlash(e.EngineBinary)
	if e.IsWindows() {
		name = "start.bat.tmpl"
		binary = strings.ReplaceAll(binary, "/", `\`)
	}
	return render(name, templateData{
		Name:         n.Name,
		HeapSize:     n.HeapSize,
		InstallRoot:  e.InstallRoot,
		ConfigDir:    n.ConfigPath,
		ScriptPath:   n.StartScriptPath,
		RuntimeHome:  e.RuntimeHome,
		ServiceUser:  e.ServiceUser,
		EngineBinary: binary,
	})
}

// ServerLogPath returns the main log file the logging configuration writes.
func ServerLogPath(n *models.Node) string {
	return filepath.Join(n.LogsPath, n.Cluster+".log")
}
