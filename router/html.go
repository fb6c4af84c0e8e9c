package router

import (
	"fmt"
	"os"
	"strings"
)

const (
	indexHeadFormat = `<html><head><meta charset="UTF-8"><title>Index of %s</title></head><body bgcolor="white"><h1>Index of %s</h1><hr><pre>`
	indexTail       = `</pre><hr></body></html>`

	// indexNameColumn is the display width of the name column; longer
	// names are truncated with an HTML-escaped ">" marker.
	indexNameColumn = 50

	indexTimeLayout = "01-02-2006 15:04"
)

// FormatDirHTML renders the auto-generated index page for a directory.
// Directories are listed before files; within each group the directory
// iterator's order is preserved.
func FormatDirHTML(target, dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}

	var dirLines, fileLines []string
	for _, entry := range entries {
		info, err := entry.Info()
		var mtime string
		if err == nil {
			mtime = info.ModTime().Format(indexTimeLayout)
		}
		if entry.IsDir() {
			dirLines = append(dirLines, indexLine(entry.Name()+"/", mtime, "-"))
		} else {
			var size int64
			if err == nil {
				size = info.Size()
			}
			fileLines = append(fileLines, indexLine(entry.Name(), mtime, sizeWithSuffix(size)))
		}
	}

	var b strings.Builder
	b.WriteString(fmt.Sprintf(indexHeadFormat, target, target))
	b.WriteString(indexLine("../", "", ""))
	for _, line := range dirLines {
		b.WriteString(line)
	}
	for _, line := range fileLines {
		b.WriteString(line)
	}
	b.WriteString(indexTail)
	return b.String(), nil
}

func indexLine(name, mtime, size string) string {
	shown := name
	if len(shown) > indexNameColumn {
		shown = shown[:indexNameColumn-3] + "..&gt;"
	}
	pad := indexNameColumn - len(name)
	if pad < 0 {
		pad = 0
	}
	return fmt.Sprintf("<a href=\"%s\">%s</a>%s %s       %s\r\n",
		name, shown, strings.Repeat(" ", pad), mtime, size)
}

// sizeWithSuffix renders a byte count with a binary suffix, plain bytes
// below one kilobyte.
func sizeWithSuffix(size int64) string {
	const unit = 1024
	switch {
	case size < unit:
		return fmt.Sprintf("%d", size)
	case size < unit*unit:
		return fmt.Sprintf("%.1fK", float64(size)/unit)
	case size < unit*unit*unit:
		return fmt.Sprintf("%.1fM", float64(size)/(unit*unit))
	default:
		return fmt.Sprintf("%.1fG", float64(size)/(unit*unit*unit))
	}
}

// ErrorPage renders the stock error body: status and reason with a
// centered server identifier.
func ErrorPage(status int, reason, server string) string {
	return fmt.Sprintf(`<html>
<head><title>%d %s</title></head>
<body bgcolor="white">
<center><h1>%d %s</h1></center>
<hr><center>%s</center>
</body>
</html>`, status, reason, status, reason, server)
}
