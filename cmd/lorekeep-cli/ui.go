package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

// UI renders CLI output. In --json mode every helper that prints
// human-oriented text becomes a no-op and results go out as one JSON
// document via JSON().
type UI struct {
	jsonMode bool
	noColor  bool
}

func newUI() *UI {
	return &UI{
		jsonMode: outputJSON,
		noColor:  os.Getenv("NO_COLOR") != "" || !isTerminal(),
	}
}

func isTerminal() bool {
	info, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}

func (u *UI) Success(format string, args ...any) {
	if u.jsonMode {
		return
	}
	u.printTagged(color.FgGreen, "✓", format, args...)
}

func (u *UI) Error(format string, args ...any) {
	if u.jsonMode {
		return
	}
	if u.noColor {
		fmt.Fprintf(os.Stderr, "✗ "+format+"\n", args...)
		return
	}
	color.New(color.FgRed).Fprintf(os.Stderr, "✗ "+format+"\n", args...)
}

func (u *UI) Warning(format string, args ...any) {
	if u.jsonMode {
		return
	}
	u.printTagged(color.FgYellow, "!", format, args...)
}

func (u *UI) Info(format string, args ...any) {
	if u.jsonMode {
		return
	}
	fmt.Printf(format+"\n", args...)
}

func (u *UI) printTagged(c color.Attribute, tag, format string, args ...any) {
	if u.noColor {
		fmt.Printf(tag+" "+format+"\n", args...)
		return
	}
	color.New(c).Printf(tag+" "+format+"\n", args...)
}

// JSON prints v as indented JSON. The single output path for --json.
func (u *UI) JSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// Section prints an underlined heading.
func (u *UI) Section(title string) {
	if u.jsonMode {
		return
	}
	fmt.Println()
	if u.noColor {
		fmt.Println(title)
	} else {
		color.New(color.Bold).Println(title)
	}
	fmt.Println(strings.Repeat("─", len([]rune(title))))
}

// KeyValue prints aligned key/value pairs.
func (u *UI) KeyValue(pairs [][2]string) {
	if u.jsonMode {
		return
	}
	width := 0
	for _, p := range pairs {
		if len(p[0]) > width {
			width = len(p[0])
		}
	}
	for _, p := range pairs {
		fmt.Printf("  %-*s  %s\n", width, p[0], p[1])
	}
}

// Table prints a simple aligned table.
func (u *UI) Table(headers []string, rows [][]string) {
	if u.jsonMode {
		return
	}
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len([]rune(h))
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && len([]rune(cell)) > widths[i] {
				widths[i] = len([]rune(cell))
			}
		}
	}
	printRow := func(cells []string) {
		parts := make([]string, len(cells))
		for i, cell := range cells {
			parts[i] = fmt.Sprintf("%-*s", widths[i], cell)
		}
		fmt.Println("  " + strings.Join(parts, "  "))
	}
	printRow(headers)
	sep := make([]string, len(headers))
	for i := range sep {
		sep[i] = strings.Repeat("─", widths[i])
	}
	printRow(sep)
	for _, row := range rows {
		printRow(row)
	}
}

// Spinner starts an indeterminate spinner. The returned stop func is
// safe to call in non-interactive and --json modes where no spinner ran.
func (u *UI) Spinner(message string) func() {
	if u.jsonMode || u.noColor {
		return func() {}
	}
	s := spinner.New(spinner.CharSets[14], 100*time.Millisecond)
	s.Suffix = " " + message
	s.Start()
	return s.Stop
}

// UploadProgress tracks a multi-file upload with one bar per file.
type UploadProgress struct {
	progress *mpb.Progress
}

func (u *UI) UploadProgress() *UploadProgress {
	if u.jsonMode || u.noColor {
		return &UploadProgress{}
	}
	return &UploadProgress{progress: mpb.New(mpb.WithWidth(40))}
}

// AddFile registers a bar for one file; the returned func marks it done.
func (p *UploadProgress) AddFile(name string, size int64) func() {
	if p.progress == nil {
		return func() {}
	}
	bar := p.progress.AddBar(size,
		mpb.PrependDecorators(
			decor.Name(name, decor.WC{W: len(name) + 1, C: decor.DSyncSpaceR}),
			decor.CountersKibiByte("% .1f / % .1f"),
		),
		mpb.AppendDecorators(decor.Percentage(decor.WC{W: 5})),
	)
	return func() { bar.SetCurrent(size) }
}

func (p *UploadProgress) Wait() {
	if p.progress != nil {
		p.progress.Wait()
	}
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	default:
		return d.Round(time.Second).String()
	}
}
