package main

import (
	"os/exec"
	"runtime"
)

// openBrowser starts the platform browser on url without waiting for it.
func openBrowser(url string) error {
	name, args := openBrowserCommand(runtime.GOOS, url)
	cmd := exec.Command(name, args...)
	if err := cmd.Start(); err != nil {
		return err
	}
	go func() { _ = cmd.Wait() }()
	return nil
}

// openBrowserCommand returns the platform command that opens url.
func openBrowserCommand(goos, url string) (string, []string) {
	switch goos {
	case "darwin":
		return "open", []string{url}
	case "windows":
		return "rundll32", []string{"url.dll,FileProtocolHandler", url}
	default:
		return "xdg-open", []string{url}
	}
}
