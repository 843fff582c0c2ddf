package supervisor

import (
	"fmt"
	"os"
	"strings"
	"text/template"

	"github.com/ashureev/dump-viewer/internal/stream"
)

// Separator is written by the launcher after every dump. The framer splits
// on the comment in the middle.
const Separator = "\n" + stream.Sentinel + "\n"

// HelperPrefix starts the file name of the generated PHP helper.
const HelperPrefix = "dumpviewer-helper-"

type scriptData struct {
	Autoload  string
	Host      string
	Port      int
	Separator string
}

var phpFuncs = template.FuncMap{
	// php quotes s as a single-quoted PHP literal.
	"php": func(s string) string {
		return "'" + strings.NewReplacer(`\`, `\\`, `'`, `\'`).Replace(s) + "'"
	},
}

var launcherTemplate = template.Must(template.New("launcher").Funcs(phpFuncs).Parse(`<?php
// Dump viewer: forwards VarDumper server dumps to stdout as HTML.
{{if .Autoload}}
require_once {{php .Autoload}};
{{end}}
use Symfony\Component\VarDumper\Server\DumpServer;
use Symfony\Component\VarDumper\Dumper\HtmlDumper;

$server = new DumpServer({{php (printf "%s:%d" .Host .Port)}});
$dumper = new HtmlDumper();
$separator = {{.Separator}};

$server->start();
$server->listen(function ($data, $context, $clientId) use ($dumper, $separator) {
    ob_start();

    if (isset($context['source'])) {
        $source = $context['source'];
        $file = basename($source['file'] ?? 'unknown');
        $line = $source['line'] ?? 0;
        echo '<!-- SOURCE_INFO: ' . htmlspecialchars($file . ' on line ' . $line) . ' -->';
    }

    $dumper->dump($data);
    $html = ob_get_clean();
    echo $html, $separator;
    flush();
});
`))

var helperTemplate = template.Must(template.New("helper").Funcs(phpFuncs).Parse(`<?php
/**
 * Dump viewer helper.
 * require_once this file to send dump() output to the viewer.
 */
{{if .Autoload}}
require_once {{php .Autoload}};
{{end}}
use Symfony\Component\VarDumper\VarDumper;
use Symfony\Component\VarDumper\Cloner\VarCloner;
use Symfony\Component\VarDumper\Dumper\ServerDumper;
use Symfony\Component\VarDumper\Dumper\CliDumper;
use Symfony\Component\VarDumper\Dumper\ContextProvider\SourceContextProvider;

VarDumper::setHandler(function ($var) {
    static $dumper = null;
    static $cloner = null;
    if ($cloner === null) {
        $cloner = new VarCloner();
    }
    if ($dumper === null) {
        $dumper = new ServerDumper({{php (printf "tcp://%s:%d" .Host .Port)}}, new CliDumper(), [
            'source' => new SourceContextProvider('utf-8', getcwd()),
        ]);
    }
    $dumper->dump($cloner->cloneVar($var));
});
`))

// phpDoubleQuoted renders s as a double-quoted PHP string, escaping newlines.
func phpDoubleQuoted(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`, `$`, `\$`, "\n", `\n`, "\r", `\r`)
	return `"` + r.Replace(s) + `"`
}

// RenderLauncher returns the launcher script source.
func RenderLauncher(autoload, host string, port int) (string, error) {
	return render(launcherTemplate, scriptData{
		Autoload:  autoload,
		Host:      host,
		Port:      port,
		Separator: phpDoubleQuoted(Separator),
	})
}

// RenderHelper returns the PHP helper source.
func RenderHelper(autoload, host string, port int) (string, error) {
	return render(helperTemplate, scriptData{Autoload: autoload, Host: host, Port: port})
}

func render(t *template.Template, data scriptData) (string, error) {
	var b strings.Builder
	if err := t.Execute(&b, data); err != nil {
		return "", fmt.Errorf("render %s script: %w", t.Name(), err)
	}
	return b.String(), nil
}

// writeTemp writes content to a new temp file and returns its path.
func writeTemp(dir, pattern, content string) (string, error) {
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	if _, err := f.WriteString(content); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("write %s: %w", f.Name(), err)
	}
	// World readable so a container user can read the bind mount.
	if err := f.Chmod(0o644); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("chmod %s: %w", f.Name(), err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("close %s: %w", f.Name(), err)
	}
	return f.Name(), nil
}
