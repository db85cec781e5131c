package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/schollz/progressbar/v3"
)

// terminalUI asks questions on stdin and draws the download and write
// progress bars.
type terminalUI struct {
	in       *bufio.Scanner
	bar      *progressbar.ProgressBar
	download *progressbar.ProgressBar
}

func newTerminalUI() *terminalUI {
	return &terminalUI{in: bufio.NewScanner(os.Stdin)}
}

func (u *terminalUI) readLine() string {
	if !u.in.Scan() {
		return ""
	}
	return strings.TrimSpace(u.in.Text())
}

func (u *terminalUI) Confirm(question string, def bool) (bool, error) {
	hint := "[y/N]"
	if def {
		hint = "[Y/n]"
	}
	fmt.Printf("\n%s %s ", question, hint)

	switch strings.ToLower(u.readLine()) {
	case "":
		return def, nil
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}

func (u *terminalUI) SelectPort(ports []string) (string, error) {
	fmt.Println("\nAvailable serial ports:")
	for i, p := range ports {
		fmt.Printf("  [%d] %s\n", i+1, p)
	}
	fmt.Println()

	for attempt := 0; attempt < 5; attempt++ {
		fmt.Printf("Select port [1-%d]: ", len(ports))
		idx, err := strconv.Atoi(u.readLine())
		if err == nil && idx >= 1 && idx <= len(ports) {
			return ports[idx-1], nil
		}
		fmt.Println("Invalid selection, try again.")
	}
	return "", fmt.Errorf("no port selected")
}

func (u *terminalUI) Status(format string, args ...any) {
	u.finishDownload()
	fmt.Printf(format+"\n", args...)
}

// downloadProgress starts a byte counter for a download of total bytes
// (-1 if unknown). It stays on screen until the next status line.
func (u *terminalUI) downloadProgress(total int64) io.Writer {
	u.finishDownload()
	u.download = progressbar.DefaultBytes(total, "Downloading")
	return u.download
}

func (u *terminalUI) finishDownload() {
	if u.download != nil {
		u.download.Finish()
		u.download = nil
	}
}

func (u *terminalUI) Progress(current, total int) {
	if u.bar == nil {
		fmt.Println()
		u.bar = progressbar.NewOptions(total,
			progressbar.OptionSetDescription("Flashing"),
			progressbar.OptionSetWidth(40),
			progressbar.OptionShowBytes(false),
			progressbar.OptionSetPredictTime(true),
			progressbar.OptionThrottle(100),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
	}
	u.bar.Set(current)
}

func (u *terminalUI) finish() {
	u.finishDownload()
	if u.bar != nil {
		u.bar.Finish()
		u.bar = nil
	}
}
